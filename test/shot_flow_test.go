package test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"testing"

	"shotcap/pkg/domain"
)

func newClient(t *testing.T) *http.Client {
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Jar: jar}
}

func postJSON(t *testing.T, client *http.Client, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func putJSON(t *testing.T, client *http.Client, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func register(t *testing.T, client *http.Client, baseURL, deviceID, secret string) map[string]interface{} {
	t.Helper()
	resp := postJSON(t, client, baseURL+"/api/register", map[string]string{
		"deviceId": deviceID,
		"secret":   secret,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("register returned %d: %s", resp.StatusCode, raw)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func shotBody(deviceID string) map[string]interface{} {
	clipData := base64.StdEncoding.EncodeToString([]byte("not-really-a-png"))
	return map[string]interface{}{
		"deviceId": deviceID,
		"url":      "https://example.com/page",
		"docTitle": "Example Page",
		"head":     "<title>Example Page</title>",
		"body":     "<p>hello</p>",
		"clips": map[string]interface{}{
			"clip1": map[string]interface{}{
				"image": map[string]string{
					"url": "data:image/png;base64," + clipData,
				},
			},
		},
	}
}

func TestShotLifecycle(t *testing.T) {
	stack := createTestStack(t)
	owner := newClient(t)
	base := stack.server.URL

	out := register(t, owner, base, "abc123", "s3cr3t")
	if out["ok"] != true {
		t.Fatalf("register response: %v", out)
	}
	if _, ok := out["abTests"].(map[string]interface{})["newIcon"]; !ok {
		t.Fatalf("expected an AB assignment, got %v", out["abTests"])
	}

	resp := putJSON(t, owner, base+"/data/xyz/example.com", shotBody("abc123"))
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("put shot returned %d: %s", resp.StatusCode, raw)
	}
	resp.Body.Close()

	// anonymous readers get the shot without the owner identity
	anonResp, err := http.Get(base + "/data/xyz/example.com")
	if err != nil {
		t.Fatal(err)
	}
	var publicShot domain.Shot
	if err := json.NewDecoder(anonResp.Body).Decode(&publicShot); err != nil {
		t.Fatal(err)
	}
	anonResp.Body.Close()
	if anonResp.StatusCode != http.StatusOK {
		t.Fatalf("anonymous get returned %d", anonResp.StatusCode)
	}
	if publicShot.DeviceID != "" {
		t.Fatalf("owner identity leaked to anonymous reader: %q", publicShot.DeviceID)
	}
	if publicShot.URL != "https://example.com/page" {
		t.Fatalf("unexpected shot url %q", publicShot.URL)
	}

	// even the owner's reads omit the owner column
	ownResp, err := owner.Get(base + "/data/xyz/example.com")
	if err != nil {
		t.Fatal(err)
	}
	var ownShot domain.Shot
	if err := json.NewDecoder(ownResp.Body).Decode(&ownShot); err != nil {
		t.Fatal(err)
	}
	ownResp.Body.Close()
	if ownShot.DeviceID != "" {
		t.Fatalf("owner identity appeared in read: %q", ownShot.DeviceID)
	}
	clip, ok := ownShot.Clips["clip1"]
	if !ok {
		t.Fatalf("clip reference missing: %v", ownShot.Clips)
	}
	imgResp, err := http.Get(base + clip.ImageURL)
	if err != nil {
		t.Fatal(err)
	}
	imgBytes, _ := io.ReadAll(imgResp.Body)
	imgResp.Body.Close()
	if imgResp.StatusCode != http.StatusOK || string(imgBytes) != "not-really-a-png" {
		t.Fatalf("image fetch returned %d, %d bytes", imgResp.StatusCode, len(imgBytes))
	}
	if ct := imgResp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("image content type %q", ct)
	}

	resp = postJSON(t, owner, base+"/api/set-title/xyz/example.com", map[string]string{"title": "My Capture"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set title returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, owner, base+"/api/set-expiration", map[string]string{
		"id": "xyz/example.com", "expiration": "-5",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative expiration returned %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, owner, base+"/api/set-expiration", map[string]string{
		"id": "xyz/example.com", "expiration": "0",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clearing expiration returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, owner, base+"/api/delete-shot", map[string]string{"id": "xyz/example.com"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	gone, err := http.Get(base + "/data/xyz/example.com")
	if err != nil {
		t.Fatal(err)
	}
	gone.Body.Close()
	if gone.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted shot returned %d, want 404", gone.StatusCode)
	}
}

func TestPutRequiresSession(t *testing.T) {
	stack := createTestStack(t)
	resp := putJSON(t, http.DefaultClient, stack.server.URL+"/data/a/b.com", shotBody(""))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated put returned %d, want 401", resp.StatusCode)
	}
}

func TestBodyDeviceMismatchRejected(t *testing.T) {
	stack := createTestStack(t)
	client := newClient(t)
	register(t, client, stack.server.URL, "deviceA", "secretA")

	resp := putJSON(t, client, stack.server.URL+"/data/a/b.com", shotBody("deviceB"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("mismatched body deviceId returned %d, want 403", resp.StatusCode)
	}
}

func TestPutMissingBodyDeviceIDRejected(t *testing.T) {
	stack := createTestStack(t)
	client := newClient(t)
	register(t, client, stack.server.URL, "deviceA", "secretA")

	body := shotBody("deviceA")
	delete(body, "deviceId")
	resp := putJSON(t, client, stack.server.URL+"/data/a/b.com", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing body deviceId returned %d, want 400", resp.StatusCode)
	}
}

func TestGetShotPrettyFormat(t *testing.T) {
	stack := createTestStack(t)
	base := stack.server.URL
	client := newClient(t)
	register(t, client, base, "abc123", "s3cr3t")
	resp := putJSON(t, client, base+"/data/pretty/e.com", shotBody("abc123"))
	resp.Body.Close()

	pretty, err := http.Get(base + "/data/pretty/e.com?format=json")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(pretty.Body)
	pretty.Body.Close()
	if pretty.StatusCode != http.StatusOK {
		t.Fatalf("format=json get returned %d", pretty.StatusCode)
	}
	if !bytes.Contains(raw, []byte("\n  \"")) {
		t.Fatalf("format=json response not indented: %s", raw)
	}
	// same content, just formatted
	var shot domain.Shot
	if err := json.Unmarshal(raw, &shot); err != nil {
		t.Fatal(err)
	}
	if shot.URL != "https://example.com/page" || shot.DeviceID != "" {
		t.Fatalf("pretty output diverged: %+v", shot)
	}
}

func TestNonOwnerCannotMutate(t *testing.T) {
	stack := createTestStack(t)
	base := stack.server.URL
	ownerClient := newClient(t)
	register(t, ownerClient, base, "deviceA", "secretA")
	resp := putJSON(t, ownerClient, base+"/data/shared/b.com", shotBody("deviceA"))
	resp.Body.Close()

	intruder := newClient(t)
	register(t, intruder, base, "deviceB", "secretB")

	resp = putJSON(t, intruder, base+"/data/shared/b.com", shotBody("deviceB"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("intruder put returned %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()
	resp = postJSON(t, intruder, base+"/api/delete-shot", map[string]string{"id": "shared/b.com"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("intruder delete returned %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()
	resp = postJSON(t, intruder, base+"/api/set-title/shared/b.com", map[string]string{"title": "mine now"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("intruder set-title returned %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTakenDeviceIDRejected(t *testing.T) {
	stack := createTestStack(t)
	register(t, newClient(t), stack.server.URL, "claimed", "firstsecret")

	resp := postJSON(t, newClient(t), stack.server.URL+"/api/register", map[string]string{
		"deviceId": "claimed", "secret": "othersecret",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("re-register of taken id returned %d, want 401", resp.StatusCode)
	}
}

func TestTamperedCookieFallsBackToAnonymous(t *testing.T) {
	stack := createTestStack(t)
	base := stack.server.URL
	client := newClient(t)
	register(t, client, base, "abc123", "s3cr3t")

	u, _ := url.Parse(base)
	var tampered []*http.Cookie
	for _, ck := range client.Jar.Cookies(u) {
		cp := *ck
		if ck.Name == "user" {
			cp.Value = strings.Map(func(r rune) rune {
				if r == 'a' {
					return 'b'
				}
				return r
			}, ck.Value)
		}
		tampered = append(tampered, &cp)
	}
	client.Jar.SetCookies(u, tampered)

	resp := putJSON(t, client, base+"/data/x/y.com", shotBody(""))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("tampered cookie put returned %d, want 401", resp.StatusCode)
	}
}

func TestLoginOutcomes(t *testing.T) {
	stack := createTestStack(t)
	base := stack.server.URL
	register(t, newClient(t), base, "logindev", "rightsecret")

	resp := postJSON(t, newClient(t), base+"/api/login", map[string]string{
		"deviceId": "logindev", "secret": "wrongsecret",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret returned %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, newClient(t), base+"/api/login", map[string]string{
		"deviceId": "neverseen", "secret": "whatever",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown device returned %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	client := newClient(t)
	resp = postJSON(t, client, base+"/api/login", map[string]string{
		"deviceId": "logindev", "secret": "rightsecret",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid login returned %d", resp.StatusCode)
	}
	resp.Body.Close()
	// the fresh cookies must carry a usable session
	putResp := putJSON(t, client, base+"/data/after-login/e.com", shotBody("logindev"))
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusOK {
		t.Fatalf("put after login returned %d", putResp.StatusCode)
	}
}

func TestUpdateReturnsClipDirectives(t *testing.T) {
	stack := createTestStack(t)
	base := stack.server.URL
	client := newClient(t)
	register(t, client, base, "abc123", "s3cr3t")

	resp := putJSON(t, client, base+"/data/dir/e.com", shotBody("abc123"))
	resp.Body.Close()

	// second put drops clip1 and introduces clip2
	body := shotBody("abc123")
	clipData := base64.StdEncoding.EncodeToString([]byte("other-image"))
	body["clips"] = map[string]interface{}{
		"clip2": map[string]interface{}{
			"image": map[string]string{"url": "data:image/jpeg;base64," + clipData},
		},
	}
	resp = putJSON(t, client, base+"/data/dir/e.com", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update returned %d", resp.StatusCode)
	}
	var out struct {
		OK      bool               `json:"ok"`
		Updates []domain.Directive `json:"updates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Updates) != 1 || out.Updates[0].Action != "removeClip" || out.Updates[0].ClipID != "clip1" {
		t.Fatalf("unexpected directives: %+v", out.Updates)
	}
}

func TestProxyRequiresValidSignature(t *testing.T) {
	stack := createTestStack(t)
	base := stack.server.URL

	target := "https://example.com/favicon.ico"
	resp, err := http.Get(fmt.Sprintf("%s/proxy?url=%s&sig=forged", base, url.QueryEscape(target)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("forged proxy signature returned %d, want 403", resp.StatusCode)
	}

	resp, err = http.Get(base + "/proxy?url=" + url.QueryEscape(target))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unsigned proxy request returned %d, want 403", resp.StatusCode)
	}
}

func TestUnloadClearsSession(t *testing.T) {
	stack := createTestStack(t)
	base := stack.server.URL
	client := newClient(t)
	register(t, client, base, "abc123", "s3cr3t")

	resp := postJSON(t, client, base+"/api/unload", map[string]string{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unload returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	putResp := putJSON(t, client, base+"/data/x/y.com", shotBody(""))
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("put after unload returned %d, want 401", putResp.StatusCode)
	}
}
