package cred

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"shotcap/pkg/keys"
)

func testKeySet(t *testing.T) *keys.KeySet {
	t.Helper()
	ks, err := keys.New(bytes.Repeat([]byte{'k'}, 32))
	if err != nil {
		t.Fatal(err)
	}
	return ks
}

func TestHeaderRoundTrip(t *testing.T) {
	c := NewCodec(testKeySet(t))
	cases := []struct {
		deviceID string
		abTests  map[string]string
	}{
		{"abc123", map[string]string{"newIcon": "control", "autoOpen": "variant"}},
		{"a", map[string]string{}},
		{"device_with-ALL_allowed-chars09", nil},
	}
	for _, tc := range cases {
		h, err := c.EncodeHeader(tc.deviceID, tc.abTests)
		if err != nil {
			t.Fatalf("%s: %v", tc.deviceID, err)
		}
		got := c.DecodeHeader(h)
		if got.DeviceID != tc.deviceID {
			t.Fatalf("deviceID: got %q want %q", got.DeviceID, tc.deviceID)
		}
		want := tc.abTests
		if want == nil {
			want = map[string]string{}
		}
		if !reflect.DeepEqual(got.ABTests, want) {
			t.Fatalf("abTests: got %v want %v", got.ABTests, want)
		}
	}
}

func TestCookieRoundTrip(t *testing.T) {
	c := NewCodec(testKeySet(t))
	user, ab, err := c.EncodeCookies("abc123", map[string]string{"exp": "b"})
	if err != nil {
		t.Fatal(err)
	}
	got := c.DecodeCookies(user, ab)
	if got.DeviceID != "abc123" || got.ABTests["exp"] != "b" {
		t.Fatalf("got %+v", got)
	}
}

func TestTamperedSignatureYieldsEmptyCredential(t *testing.T) {
	c := NewCodec(testKeySet(t))
	h, err := c.EncodeHeader("abc123", map[string]string{"exp": "b"})
	if err != nil {
		t.Fatal(err)
	}
	// decoding requires both signatures; flipping one byte inside either must
	// collapse the whole credential
	deviceSigIdx := len("abc123:") + 2
	abSigIdx := len(h) - 2
	for _, idx := range []int{deviceSigIdx, abSigIdx} {
		mutated := []byte(h)
		if mutated[idx] == 'A' {
			mutated[idx] = 'B'
		} else {
			mutated[idx] = 'A'
		}
		got := c.DecodeHeader(string(mutated))
		if got.Authenticated() || len(got.ABTests) != 0 {
			t.Fatalf("byte %d: tampered credential accepted: %+v", idx, got)
		}
	}
}

func TestTamperedABCookieCollapsesCredential(t *testing.T) {
	c := NewCodec(testKeySet(t))
	user, ab, err := c.EncodeCookies("abc123", map[string]string{"exp": "b"})
	if err != nil {
		t.Fatal(err)
	}

	// a present abtests cookie with a bad signature must not leave the request
	// authenticated with empty AB state
	mutated := []byte(ab)
	idx := len(mutated) - 2
	if mutated[idx] == 'A' {
		mutated[idx] = 'B'
	} else {
		mutated[idx] = 'A'
	}
	if got := c.DecodeCookies(user, string(mutated)); got.Authenticated() {
		t.Fatalf("tampered abtests cookie kept the session alive: %+v", got)
	}

	// an absent abtests cookie stays lenient
	if got := c.DecodeCookies(user, ""); got.DeviceID != "abc123" || len(got.ABTests) != 0 {
		t.Fatalf("missing abtests cookie: %+v", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	c := NewCodec(testKeySet(t))
	for _, in := range []string{
		"",
		"abc123",
		"abc123:sig",
		"abc123:sig;abTests=",
		"abc123:sig;abTests=payload:sig",
		"::;abTests=::",
		"abc/123:sig;abTests=e30:sig", // deviceId outside the allowed pattern
	} {
		if got := c.DecodeHeader(in); got.Authenticated() {
			t.Fatalf("%q: expected empty credential, got %+v", in, got)
		}
	}
}

func TestDecodeSurvivesKeyRotation(t *testing.T) {
	ks := testKeySet(t)
	c := NewCodec(ks)
	h, _ := c.EncodeHeader("abc123", map[string]string{"exp": "a"})

	if err := ks.Rotate(bytes.Repeat([]byte{'n'}, 32)); err != nil {
		t.Fatal(err)
	}
	if got := c.DecodeHeader(h); got.DeviceID != "abc123" {
		t.Fatal("credential signed before rotation no longer decodes")
	}

	if err := ks.Retire(); err != nil {
		t.Fatal(err)
	}
	if got := c.DecodeHeader(h); got.Authenticated() {
		t.Fatal("credential signed with retired key still decodes")
	}
}

func TestDecodeRequestPrefersHeader(t *testing.T) {
	c := NewCodec(testKeySet(t))
	h, _ := c.EncodeHeader("headerdev", nil)
	user, ab, _ := c.EncodeCookies("cookiedev", nil)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(AuthHeader, h)
	r.AddCookie(&http.Cookie{Name: UserCookie, Value: user})
	r.AddCookie(&http.Cookie{Name: ABTestsCookie, Value: ab})

	if got := c.Decode(r); got.DeviceID != "headerdev" {
		t.Fatalf("got %q, want header identity", got.DeviceID)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.AddCookie(&http.Cookie{Name: UserCookie, Value: user})
	if got := c.Decode(r2); got.DeviceID != "cookiedev" {
		t.Fatalf("got %q, want cookie identity", got.DeviceID)
	}
	if got := c.Decode(httptest.NewRequest(http.MethodGet, "/", nil)); got.Authenticated() {
		t.Fatal("empty request decoded to authenticated credential")
	}
}

func TestLinkerSignVerify(t *testing.T) {
	l := NewLinker(testKeySet(t))
	url := "https://example.com/favicon.ico"
	sig := l.Sign(url)
	if !l.Verify(url, sig) {
		t.Fatal("signed url did not verify")
	}
	if l.Verify("https://example.com/other.ico", sig) {
		t.Fatal("signature verified for a different url")
	}
	if l.Verify(url, "") || l.Verify("", sig) {
		t.Fatal("empty inputs verified")
	}
}
