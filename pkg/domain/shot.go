package domain

import "time"

// Shot is the primary owned resource: one captured page plus its image clips.
// The id is the composite "shotId/domain" the client chose on first PUT.
type Shot struct {
	ID        string           `json:"id"`
	Domain    string           `json:"domain"`
	DeviceID  string           `json:"deviceId,omitempty"`
	URL       string           `json:"url"`
	DocTitle  string           `json:"docTitle,omitempty"`
	UserTitle string           `json:"userTitle,omitempty"`
	Head      string           `json:"head,omitempty"`
	Body      string           `json:"body,omitempty"`
	HeadAttrs [][]string       `json:"headAttrs,omitempty"`
	BodyAttrs [][]string       `json:"bodyAttrs,omitempty"`
	HTMLAttrs [][]string       `json:"htmlAttrs,omitempty"`
	Clips     map[string]*Clip `json:"clips,omitempty"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Clip describes one captured image belonging to a shot. Image bytes are
// stored separately and served from /images/{imageId}; public shot JSON only
// carries the reference.
type Clip struct {
	ImageID     string `json:"imageId"`
	ContentType string `json:"contentType"`
	ImageURL    string `json:"imageUrl"`
}

// ClipImage is the stored binary payload behind a Clip reference.
type ClipImage struct {
	ImageID     string
	ShotID      string
	ClipKey     string
	ContentType string
	Data        []byte
}

// ShotContent is the client-supplied body of a PUT /data request after the
// handler has decoded clip data URLs. Validation happens before it reaches
// the store.
type ShotContent struct {
	DeviceID  string
	URL       string
	DocTitle  string
	Head      string
	Body      string
	HeadAttrs [][]string
	BodyAttrs [][]string
	HTMLAttrs [][]string
	Clips     map[string]ClipUpload
}

type ClipUpload struct {
	ContentType string
	Data        []byte
}

// Directive is a follow-up action the update branch of insert-or-update hands
// back to the extension, e.g. to retire a locally cached clip image.
type Directive struct {
	Action string `json:"action"`
	ClipID string `json:"clipId,omitempty"`
}

type InsertResult struct {
	Created    bool
	Directives []Directive
}

// Redacted returns a copy safe for public reads: the owner device id is
// stripped regardless of caller identity.
func (s *Shot) Redacted() *Shot {
	out := *s
	out.DeviceID = ""
	return &out
}

func (s *Shot) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}
