package api

import (
	"encoding/json"
	"net/http"

	"shotcap/pkg/domain"
	"shotcap/svc/cred"
	"shotcap/svc/svc"
	"shotcap/svc/util"

	"github.com/rs/zerolog/hlog"
)

type registerReq struct {
	DeviceID      string `json:"deviceId"`
	Secret        string `json:"secret"`
	Nickname      string `json:"nickname"`
	AvatarURL     string `json:"avatarurl"`
	ClientVersion string `json:"clientVersion"`
}
type loginReq struct {
	DeviceID      string `json:"deviceId"`
	Secret        string `json:"secret"`
	ClientVersion string `json:"clientVersion"`
}
type profileReq struct {
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatarurl"`
}
type sessionResp struct {
	OK        bool              `json:"ok"`
	Nickname  string            `json:"nickname,omitempty"`
	AvatarURL string            `json:"avatarurl,omitempty"`
	ABTests   map[string]string `json:"abTests"`
}

// Register claims a device id and issues the signed session cookies. A taken
// id succeeds only for a caller already authenticated as that device.
func (h *Hdl) Register(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if err := requireJSON(r); err != nil {
		writeErr(w, err, requestID)
		return
	}
	var req registerReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(&req); err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	session := CredentialFrom(r.Context())
	dev, err := h.device.Register(r.Context(), svc.RegisterParams{
		DeviceID:      req.DeviceID,
		Secret:        req.Secret,
		Nickname:      req.Nickname,
		AvatarURL:     req.AvatarURL,
		ClientVersion: req.ClientVersion,
	}, session)
	if err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Msg("registration failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	if err := h.issueSession(w, dev); err != nil {
		log.Error().Err(err).Msg("failed to issue session")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(sessionResp{
		OK:        true,
		Nickname:  dev.Nickname,
		AvatarURL: dev.AvatarURL,
		ABTests:   dev.ABTests,
	})
}

// Login verifies the device secret and reissues session cookies, which also
// rolls the credential forward after a signing-key rotation.
func (h *Hdl) Login(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if err := requireJSON(r); err != nil {
		writeErr(w, err, requestID)
		return
	}
	var req loginReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(&req); err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	dev, err := h.device.Login(r.Context(), req.DeviceID, req.Secret, req.ClientVersion)
	if err != nil {
		if domain.Status(err) < 500 {
			log.Warn().Err(err).Msg("login rejected")
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Msg("login failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	if err := h.issueSession(w, dev); err != nil {
		log.Error().Err(err).Msg("failed to issue session")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(sessionResp{
		OK:        true,
		Nickname:  dev.Nickname,
		AvatarURL: dev.AvatarURL,
		ABTests:   dev.ABTests,
	})
}

func (h *Hdl) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	session := CredentialFrom(r.Context())
	if err := requireJSON(r); err != nil {
		writeErr(w, err, requestID)
		return
	}
	var req profileReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(&req); err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	err := h.device.UpdateProfile(r.Context(), session.DeviceID, domain.ProfileFields{
		Nickname:  req.Nickname,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Msg("profile update failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unload ends the browser session by expiring both cookies. Nothing is stored
// server-side for a session, so there is nothing else to revoke.
func (h *Hdl) Unload(w http.ResponseWriter, r *http.Request) {
	h.clearSession(w)
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (h *Hdl) issueSession(w http.ResponseWriter, dev *domain.Device) error {
	user, ab, err := h.codec.EncodeCookies(dev.ID, dev.ABTests)
	if err != nil {
		return err
	}
	secure := h.cfg.Environment == "production"
	http.SetCookie(w, &http.Cookie{
		Name:     cred.UserCookie,
		Value:    user,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     cred.ABTestsCookie,
		Value:    ab,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
func (h *Hdl) clearSession(w http.ResponseWriter) {
	secure := h.cfg.Environment == "production"
	for _, name := range []string{cred.UserCookie, cred.ABTestsCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}
