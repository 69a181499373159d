package domain

// Credential is the decoded, verified (deviceId, abTests) pair recovered from
// a signed header or cookie pair. A zero Credential means the request is
// unauthenticated; it is never an error.
type Credential struct {
	DeviceID string
	ABTests  map[string]string
}

func (c Credential) Authenticated() bool {
	return c.DeviceID != ""
}
