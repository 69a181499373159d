package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"
)

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	ep, err := newEnvProvider(key)
	if err != nil {
		t.Fatal(err)
	}
	return &Adapter{fallback: ep}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateSealKey()
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := Seal([]byte("fxa-access-token"), key)
	if err != nil {
		t.Fatal(err)
	}
	opened, err := Open(sealed, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(opened) != "fxa-access-token" {
		t.Fatalf("got %q", opened)
	}
}

func TestOpenRejectsTamper(t *testing.T) {
	key, _ := GenerateSealKey()
	sealed, _ := Seal([]byte("secret"), key)
	sealed[len(sealed)-1] ^= 0x01
	if _, err := Open(sealed, key); err == nil {
		t.Fatal("expected tampered ciphertext to fail")
	}
}

func TestAdapterEncryptDecrypt(t *testing.T) {
	a := testAdapter(t)
	ctx := context.Background()
	ct, err := a.Encrypt(ctx, []byte("seal key material"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := a.Decrypt(ctx, ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "seal key material" {
		t.Fatalf("got %q", pt)
	}
}

func TestSealKeyCacheUnwrap(t *testing.T) {
	a := testAdapter(t)
	ctx := context.Background()
	plain := []byte("0123456789abcdef0123456789abcdef")
	wrapped, err := a.Encrypt(ctx, plain)
	if err != nil {
		t.Fatal(err)
	}

	cache := NewSealKeyCache(a, time.Minute)
	defer cache.Stop()

	first, err := cache.Unwrap(ctx, wrapped)
	if err != nil {
		t.Fatal(err)
	}
	second, err := cache.Unwrap(ctx, wrapped)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, plain) || !bytes.Equal(second, plain) {
		t.Fatal("unwrap returned wrong key material")
	}
	// returned copies must be independent of the cached entry
	first[0] ^= 0xFF
	third, err := cache.Unwrap(ctx, wrapped)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(third, plain) {
		t.Fatal("cache entry was mutated through a returned copy")
	}
}

func TestSealKeyCacheStopped(t *testing.T) {
	a := testAdapter(t)
	cache := NewSealKeyCache(a, time.Minute)
	cache.Stop()
	if _, err := cache.Unwrap(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected error after Stop")
	}
}
