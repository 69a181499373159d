package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrShotNotFound      = NewErr("SHOT_NOT_FOUND", "shot not found", http.StatusNotFound)
	ErrImageNotFound     = NewErr("IMAGE_NOT_FOUND", "image not found", http.StatusNotFound)
	ErrDeviceNotFound    = NewErr("DEVICE_NOT_FOUND", "no such user", http.StatusNotFound)
	ErrDeviceExists      = NewErr("DEVICE_EXISTS", "user exists", http.StatusUnauthorized)
	ErrInvalidLogin      = NewErr("INVALID_LOGIN", "invalid login", http.StatusUnauthorized)
	ErrNoSession         = NewErr("NO_SESSION", "authentication required", http.StatusUnauthorized)
	ErrNotOwner          = NewErr("NOT_OWNER", "not the owner of this shot", http.StatusForbidden)
	ErrDeviceMismatch    = NewErr("DEVICE_MISMATCH", "deviceId does not match session", http.StatusForbidden)
	ErrBadSignature      = NewErr("BAD_SIGNATURE", "signature does not match", http.StatusForbidden)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrInvalidDeviceID   = NewErr("INVALID_DEVICE_ID", "invalid device id", http.StatusBadRequest)
	ErrInvalidExpiration = NewErr("INVALID_EXPIRATION", "expiration must be a non-negative integer", http.StatusBadRequest)
	ErrTitleRequired     = NewErr("TITLE_REQUIRED", "title required", http.StatusBadRequest)
	ErrInvalidContent    = NewErr("INVALID_CONTENT", "shot content failed validation", http.StatusBadRequest)
	ErrShotTooLarge      = NewErr("SHOT_TOO_LARGE", "shot content too large", http.StatusBadRequest)
	ErrStateMismatch     = NewErr("STATE_MISMATCH", "unknown or already-used state", http.StatusBadRequest)
	ErrHandshakePending  = NewErr("HANDSHAKE_PENDING", "an auth handshake is already pending", http.StatusConflict)
	ErrUpstream          = NewErr("UPSTREAM_ERROR", "identity provider error", http.StatusBadGateway)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
