package keys

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func testKey(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 32)
}

func base64OfRepeated(fill byte, n int) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{fill}, n))
}

func TestSignVerify(t *testing.T) {
	ks, err := New(testKey('a'))
	if err != nil {
		t.Fatal(err)
	}
	sig := ks.SignString("abc123")
	if !ks.VerifyString("abc123", sig) {
		t.Fatal("signature did not verify")
	}
	if ks.VerifyString("abc124", sig) {
		t.Fatal("signature verified for different data")
	}
}

func TestVerifyRejectsTamperedSig(t *testing.T) {
	ks, _ := New(testKey('a'))
	sig := ks.SignString("abc123")
	for i := range sig {
		flipped := []byte(sig)
		if flipped[i] == 'A' {
			flipped[i] = 'B'
		} else {
			flipped[i] = 'A'
		}
		if ks.VerifyString("abc123", string(flipped)) {
			t.Fatalf("tampered signature at byte %d verified", i)
		}
	}
	if ks.VerifyString("abc123", "!!not-base64!!") {
		t.Fatal("undecodable signature verified")
	}
}

func TestRotationKeepsOldSignaturesValid(t *testing.T) {
	ks, _ := New(testKey('a'))
	oldSig := ks.SignString("device-1")

	if err := ks.Rotate(testKey('b')); err != nil {
		t.Fatal(err)
	}
	if !ks.VerifyString("device-1", oldSig) {
		t.Fatal("rotation invalidated signature from previous key")
	}

	newSig := ks.SignString("device-1")
	if newSig == oldSig {
		t.Fatal("new key produced identical signature")
	}
	if !ks.VerifyString("device-1", newSig) {
		t.Fatal("new key signature did not verify")
	}

	if err := ks.Retire(); err != nil {
		t.Fatal(err)
	}
	if ks.VerifyString("device-1", oldSig) {
		t.Fatal("retired key still verifies")
	}
	if !ks.VerifyString("device-1", newSig) {
		t.Fatal("retire dropped the wrong key")
	}
}

func TestRetireRefusesLastKey(t *testing.T) {
	ks, _ := New(testKey('a'))
	if err := ks.Retire(); err == nil {
		t.Fatal("expected error retiring the only key")
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
	if _, err := New(); err == nil {
		t.Fatal("expected error for empty keyset")
	}
}

func TestParseExportRoundTrip(t *testing.T) {
	ks, _ := New(testKey('a'), testKey('b'))
	exported, err := ks.Export()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := Parse(exported)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", parsed.Len())
	}
	sig := ks.SignString("payload")
	if !parsed.VerifyString("payload", sig) {
		t.Fatal("parsed keyset did not verify original signature")
	}
}

func TestParseBareString(t *testing.T) {
	ks, err := Parse(base64OfRepeated('a', 32))
	if err != nil {
		t.Fatal(err)
	}
	if ks.Len() != 1 {
		t.Fatalf("expected single-key set, got %d", ks.Len())
	}
}
