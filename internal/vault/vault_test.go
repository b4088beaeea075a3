package vault

import (
	"context"
	"strings"
	"testing"
)

const hexKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipherFromHex(hexKey)
	if err != nil {
		t.Fatalf("NewCipherFromHex: %v", err)
	}
	sealed, err := c.Encrypt([]byte("community-string"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if strings.Contains(sealed, "community") {
		t.Error("ciphertext leaks plaintext")
	}
	got, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != "community-string" {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestCipherRejectsShortKey(t *testing.T) {
	if _, err := NewCipher([]byte("short")); err != ErrInvalidKeyLength {
		t.Errorf("expected ErrInvalidKeyLength, got %v", err)
	}
}

func TestCipherRejectsTruncatedCiphertext(t *testing.T) {
	c, _ := NewCipherFromHex(hexKey)
	if _, err := c.Decrypt("QUJD"); err != ErrCiphertextTooShort {
		t.Errorf("expected ErrCiphertextTooShort, got %v", err)
	}
}

func TestCipherRejectsTamperedPayload(t *testing.T) {
	c, _ := NewCipherFromHex(hexKey)
	sealed, _ := c.Encrypt([]byte("secret"))
	tampered := sealed[:len(sealed)-4] + "AAA="
	if _, err := c.Decrypt(tampered); err == nil {
		t.Error("expected decryption of tampered payload to fail")
	}
}

type fakeSource struct {
	blobs map[int64]string
	calls int
}

func (f *fakeSource) FetchEncryptedCredential(_ context.Context, id int64) (string, error) {
	f.calls++
	blob, ok := f.blobs[id]
	if !ok {
		return "", ErrNotFound
	}
	return blob, nil
}

func TestVaultGetCachesDecryptedCredential(t *testing.T) {
	c, _ := NewCipherFromHex(hexKey)
	src := &fakeSource{blobs: map[int64]string{}}
	v := New(c, src)

	sealed, err := v.Seal(Credential{Version: "2c", Community: "branch-ro"})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	src.blobs[7] = sealed

	for i := 0; i < 3; i++ {
		cred, err := v.Get(context.Background(), 7)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if cred.Community != "branch-ro" || cred.Version != "2c" {
			t.Errorf("unexpected credential %+v", cred)
		}
	}
	if src.calls != 1 {
		t.Errorf("expected a single source fetch, got %d", src.calls)
	}
}

func TestVaultInvalidateForcesRefetch(t *testing.T) {
	c, _ := NewCipherFromHex(hexKey)
	src := &fakeSource{blobs: map[int64]string{}}
	v := New(c, src)

	sealed, _ := v.Seal(Credential{Version: "3", V3User: "monitor"})
	src.blobs[1] = sealed

	if _, err := v.Get(context.Background(), 1); err != nil {
		t.Fatalf("Get: %v", err)
	}
	v.Invalidate(1)
	if _, err := v.Get(context.Background(), 1); err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if src.calls != 2 {
		t.Errorf("expected refetch after invalidate, got %d calls", src.calls)
	}
}

func TestVaultGetMissing(t *testing.T) {
	c, _ := NewCipherFromHex(hexKey)
	v := New(c, &fakeSource{blobs: map[int64]string{}})
	if _, err := v.Get(context.Background(), 99); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
