package cred

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"shotcap/pkg/domain"
	"shotcap/pkg/keys"
)

const (
	// AuthHeader carries the credential in header form:
	// deviceId:sig;abTests=b64(json):sig
	AuthHeader = "X-Device-Authorization"

	UserCookie    = "user"
	ABTestsCookie = "abtests"

	abTestsMarker = ";abTests="
)

// Codec builds and parses the signed credential exchanged with the extension.
// Decoding fails closed: anything malformed or with a bad signature yields an
// empty credential, never an error, so public endpoints keep working for
// unauthenticated requests.
type Codec struct {
	keys *keys.KeySet
}

func NewCodec(ks *keys.KeySet) *Codec {
	if ks == nil {
		panic("credential codec: nil keyset")
	}
	return &Codec{keys: ks}
}

// EncodeHeader produces the header form of a credential.
func (c *Codec) EncodeHeader(deviceID string, abTests map[string]string) (string, error) {
	if !domain.ValidDeviceID(deviceID) {
		return "", domain.ErrInvalidDeviceID
	}
	payload, err := encodeABTests(abTests)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(deviceID)
	b.WriteByte(':')
	b.WriteString(c.keys.SignString(deviceID))
	b.WriteString(abTestsMarker)
	b.WriteString(payload)
	b.WriteByte(':')
	b.WriteString(c.keys.SignString(payload))
	return b.String(), nil
}

// EncodeCookies produces the two independently signed cookie values.
func (c *Codec) EncodeCookies(deviceID string, abTests map[string]string) (user, ab string, err error) {
	if !domain.ValidDeviceID(deviceID) {
		return "", "", domain.ErrInvalidDeviceID
	}
	payload, err := encodeABTests(abTests)
	if err != nil {
		return "", "", err
	}
	user = deviceID + ":" + c.keys.SignString(deviceID)
	ab = payload + ":" + c.keys.SignString(payload)
	return user, ab, nil
}

// Decode recovers the credential from a request, preferring the header form.
func (c *Codec) Decode(r *http.Request) domain.Credential {
	if h := r.Header.Get(AuthHeader); h != "" {
		return c.DecodeHeader(h)
	}
	var user, ab string
	if ck, err := r.Cookie(UserCookie); err == nil {
		user = ck.Value
	}
	if ck, err := r.Cookie(ABTestsCookie); err == nil {
		ab = ck.Value
	}
	return c.DecodeCookies(user, ab)
}

// DecodeHeader parses the header form. Both components must carry valid
// signatures; any defect collapses to the empty credential.
func (c *Codec) DecodeHeader(h string) domain.Credential {
	idPart, abPart, found := strings.Cut(h, abTestsMarker)
	if !found {
		return domain.Credential{}
	}
	deviceID, ok := c.verifySigned(idPart)
	if !ok || !domain.ValidDeviceID(deviceID) {
		return domain.Credential{}
	}
	payload, ok := c.verifySigned(abPart)
	if !ok {
		return domain.Credential{}
	}
	abTests, ok := decodeABTests(payload)
	if !ok {
		return domain.Credential{}
	}
	return domain.Credential{DeviceID: deviceID, ABTests: abTests}
}

// DecodeCookies parses the cookie pair. A missing abtests cookie still
// authenticates with empty AB-test state, but a present one must verify:
// a bad signature on either cookie collapses the whole credential, same as
// the header form.
func (c *Codec) DecodeCookies(user, ab string) domain.Credential {
	deviceID, ok := c.verifySigned(user)
	if !ok || !domain.ValidDeviceID(deviceID) {
		return domain.Credential{}
	}
	cred := domain.Credential{DeviceID: deviceID, ABTests: map[string]string{}}
	if ab == "" {
		return cred
	}
	payload, ok := c.verifySigned(ab)
	if !ok {
		return domain.Credential{}
	}
	abTests, ok := decodeABTests(payload)
	if !ok {
		return domain.Credential{}
	}
	cred.ABTests = abTests
	return cred
}

// verifySigned splits "value:sig" and checks the signature. The value never
// contains ':' (device ids by pattern, payloads by base64url alphabet).
func (c *Codec) verifySigned(s string) (string, bool) {
	value, sig, found := strings.Cut(s, ":")
	if !found || value == "" || sig == "" {
		return "", false
	}
	if !c.keys.VerifyString(value, sig) {
		return "", false
	}
	return value, true
}

func encodeABTests(abTests map[string]string) (string, error) {
	if abTests == nil {
		abTests = map[string]string{}
	}
	raw, err := json.Marshal(abTests)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeABTests(payload string) (map[string]string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, false
	}
	var abTests map[string]string
	if err := json.Unmarshal(raw, &abTests); err != nil {
		return nil, false
	}
	if abTests == nil {
		abTests = map[string]string{}
	}
	return abTests, true
}
