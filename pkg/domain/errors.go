package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrInvalidEventType  = NewErr("INVALID_EVENT_TYPE", "invalid event type", http.StatusBadRequest)
	ErrIdentityRequired  = NewErr("IDENTITY_REQUIRED", "identity required", http.StatusBadRequest)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrCircuitOpen       = NewErr("CIRCUIT_OPEN", "identity temporarily banned", http.StatusTooManyRequests)
	ErrUnauthorized      = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrNotFound          = NewErr("NOT_FOUND", "not found", http.StatusNotFound)
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
	Code string `json:"code"`
	Msg  string `json:"message"`
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
