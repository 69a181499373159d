package domain

import (
	"regexp"
	"time"
)

// deviceIDPattern is the only shape of client-chosen device ids the service
// accepts, on registration and on credential decode alike.
var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const maxDeviceIDLength = 128

func ValidDeviceID(id string) bool {
	return id != "" && len(id) <= maxDeviceIDLength && deviceIDPattern.MatchString(id)
}

// Device is a registered client identity. SecretHash is the argon2id hash of
// the registration secret; the sealed access token is the linked third-party
// token encrypted at rest via the key adapter.
type Device struct {
	ID                string
	SecretHash        string
	Nickname          string
	AvatarURL         string
	AccountID         string
	SealedAccessToken []byte
	ABTests           ABAssignment
	ClientVersion     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ABAssignment maps experiment name to the bucket assigned at registration.
type ABAssignment map[string]string

// ProfileFields are the owner-settable parts of a device.
type ProfileFields struct {
	Nickname  string
	AvatarURL string
}
