package api

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"shotcap/cfg"
	"shotcap/pkg/domain"
	"shotcap/svc/cred"
	"shotcap/svc/svc"
	"shotcap/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

type Hdl struct {
	shot   *svc.Shot
	device *svc.Device
	oauth  *svc.OAuth
	codec  *cred.Codec
	linker *cred.Linker
	cfg    *cfg.Cfg
}

type shotPayload struct {
	DeviceID  string                 `json:"deviceId"`
	URL       string                 `json:"url"`
	DocTitle  string                 `json:"docTitle"`
	Head      string                 `json:"head"`
	Body      string                 `json:"body"`
	HeadAttrs [][]string             `json:"headAttrs"`
	BodyAttrs [][]string             `json:"bodyAttrs"`
	HTMLAttrs [][]string             `json:"htmlAttrs"`
	Clips     map[string]clipPayload `json:"clips"`
}
type clipPayload struct {
	Image struct {
		URL string `json:"url"`
	} `json:"image"`
}

// PutShot is the single write endpoint for shot content: it creates on first
// call and updates on subsequent calls with the same id and domain. The body
// deviceId must match the session identity; the session decides ownership.
func (h *Hdl) PutShot(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	session := CredentialFrom(r.Context())

	if err := requireJSON(r); err != nil {
		writeErr(w, err, requestID)
		return
	}
	limit := h.cfg.MaxShotSize + h.cfg.MaxClipSize*4
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var payload shotPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid shot payload")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if payload.DeviceID == "" {
		log.Warn().Msg("shot payload missing deviceId")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if payload.DeviceID != session.DeviceID {
		log.Warn().
			Str("session_device", session.DeviceID).
			Msg("body deviceId does not match session")
		writeErr(w, domain.ErrDeviceMismatch, requestID)
		return
	}
	content, err := decodeShotPayload(&payload)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	shotID := chi.URLParam(r, "id")
	shotDomain := chi.URLParam(r, "domain")
	result, err := h.shot.InsertOrUpdate(r.Context(), shotID, shotDomain, session.DeviceID, content)
	if err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Msg("failed to store shot")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("shot_id", shotID).
		Str("shot_domain", shotDomain).
		Bool("created", result.Created).
		Str("body_preview", util.RedactShotContent(content.Body)).
		Msg("shot stored")
	resp := map[string]interface{}{"ok": true}
	if !result.Created && len(result.Directives) > 0 {
		resp["updates"] = result.Directives
	}
	json.NewEncoder(w).Encode(resp)
}

// GetShot serves the shot JSON. Anyone with the link can read; the owner
// identity never appears in the response. ?format=json pretty-prints the
// same content.
func (h *Hdl) GetShot(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	shotID := chi.URLParam(r, "id")
	shotDomain := chi.URLParam(r, "domain")
	shot, err := h.shot.Get(r.Context(), shotID, shotDomain)
	if err != nil {
		if errors.Is(err, domain.ErrShotNotFound) {
			writeErr(w, domain.ErrShotNotFound, requestID)
			return
		}
		log.Error().Err(err).Str("shot_id", shotID).Msg("failed to get shot")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		out, err := json.MarshalIndent(shot, "", "  ")
		if err != nil {
			log.Error().Err(err).Str("shot_id", shotID).Msg("failed to marshal shot")
			writeErr(w, domain.ErrInternalServer, requestID)
			return
		}
		w.Write(out)
		return
	}
	json.NewEncoder(w).Encode(shot)
}

type deleteShotReq struct {
	ID string `json:"id"`
}

func (h *Hdl) DeleteShot(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	session := CredentialFrom(r.Context())
	var req deleteShotReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4*1024)).Decode(&req); err != nil || req.ID == "" {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	shotID, shotDomain, found := strings.Cut(req.ID, "/")
	if !found {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if err := h.shot.Delete(r.Context(), shotID, shotDomain, session.DeviceID); err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("shot_id", req.ID).Msg("failed to delete shot")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

type setTitleReq struct {
	Title string `json:"title"`
}

func (h *Hdl) SetTitle(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	session := CredentialFrom(r.Context())
	var req setTitleReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(&req); err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	shotID := chi.URLParam(r, "id")
	shotDomain := chi.URLParam(r, "domain")
	if err := h.shot.SetTitle(r.Context(), shotID, shotDomain, session.DeviceID, req.Title); err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("shot_id", shotID).Msg("failed to set title")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

type setExpirationReq struct {
	ID         string `json:"id"`
	Expiration string `json:"expiration"`
}

// SetExpiration takes a lifetime in whole seconds as a string, matching the
// form encoding the extension sends. "0" clears expiry.
func (h *Hdl) SetExpiration(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	session := CredentialFrom(r.Context())
	var req setExpirationReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4*1024)).Decode(&req); err != nil || req.ID == "" {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	shotID, shotDomain, found := strings.Cut(req.ID, "/")
	if !found {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(req.Expiration))
	if err != nil {
		writeErr(w, domain.ErrInvalidExpiration, requestID)
		return
	}
	if err := h.shot.SetExpiration(r.Context(), shotID, shotDomain, session.DeviceID, seconds); err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("shot_id", req.ID).Msg("failed to set expiration")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// GetImage streams stored clip bytes. Image ids are unguessable uuids; no
// session is needed, matching shot page reads.
func (h *Hdl) GetImage(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	imageID := chi.URLParam(r, "imageid")
	img, err := h.shot.GetClipImage(r.Context(), imageID)
	if err != nil {
		if errors.Is(err, domain.ErrImageNotFound) {
			writeErr(w, domain.ErrImageNotFound, requestID)
			return
		}
		log.Error().Err(err).Str("image_id", imageID).Msg("failed to get image")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "public, max-age=2592000")
	w.Write(img.Data)
}

func requireJSON(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		return domain.ErrInvalidRequest
	}
	return nil
}

func decodeShotPayload(p *shotPayload) (*domain.ShotContent, error) {
	if p.URL == "" {
		return nil, domain.ErrInvalidContent
	}
	content := &domain.ShotContent{
		DeviceID:  p.DeviceID,
		URL:       p.URL,
		DocTitle:  p.DocTitle,
		Head:      p.Head,
		Body:      p.Body,
		HeadAttrs: p.HeadAttrs,
		BodyAttrs: p.BodyAttrs,
		HTMLAttrs: p.HTMLAttrs,
	}
	if len(p.Clips) > 0 {
		content.Clips = make(map[string]domain.ClipUpload, len(p.Clips))
		for key, clip := range p.Clips {
			contentType, data, err := parseDataURL(clip.Image.URL)
			if err != nil {
				return nil, domain.ErrInvalidContent
			}
			content.Clips[key] = domain.ClipUpload{ContentType: contentType, Data: data}
		}
	}
	return content, nil
}

// parseDataURL decodes "data:image/png;base64,...." clip uploads. Only
// base64-encoded image payloads are accepted.
func parseDataURL(s string) (contentType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, errors.New("not a data url")
	}
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errors.New("malformed data url")
	}
	meta, ok = strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, errors.New("data url is not base64")
	}
	if !strings.HasPrefix(meta, "image/") {
		return "", nil, errors.New("data url is not an image")
	}
	data, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, errors.Wrap(err, "decode data url")
	}
	return meta, data, nil
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}
