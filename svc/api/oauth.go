package api

import (
	"encoding/json"
	"net/http"

	"shotcap/pkg/domain"
	"shotcap/svc/util"

	"github.com/rs/zerolog/hlog"
)

// OAuthParams starts the account-linking handshake: it mints a single-use
// state bound to the calling device and returns the provider parameters the
// extension needs to open the authorization page.
func (h *Hdl) OAuthParams(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if !h.oauth.Enabled() {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	session := CredentialFrom(r.Context())
	params, err := h.oauth.Begin(r.Context(), session.DeviceID)
	if err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Msg("failed to begin oauth handshake")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(params)
}

type oauthTokenReq struct {
	State string `json:"state"`
	Code  string `json:"code"`
}

// OAuthToken finishes the handshake. The state must match one minted for this
// device and still unexpired; it is consumed regardless of the outcome of the
// upstream exchange.
func (h *Hdl) OAuthToken(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if !h.oauth.Enabled() {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if err := requireJSON(r); err != nil {
		writeErr(w, err, requestID)
		return
	}
	var req oauthTokenReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(&req); err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	session := CredentialFrom(r.Context())
	if err := h.oauth.Complete(r.Context(), session.DeviceID, req.State, req.Code); err != nil {
		if domain.Status(err) < 500 {
			log.Warn().Err(err).Msg("oauth handshake rejected")
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Msg("oauth handshake failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}
