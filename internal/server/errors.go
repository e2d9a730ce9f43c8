package server

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drewdunne/forgesync/internal/branches"
	"github.com/drewdunne/forgesync/internal/gitsync"
	"github.com/drewdunne/forgesync/internal/mergerequests"
	"github.com/drewdunne/forgesync/internal/provider"
	"github.com/drewdunne/forgesync/internal/registry"
	"github.com/drewdunne/forgesync/internal/repos"
	"github.com/drewdunne/forgesync/internal/retry"
	"github.com/drewdunne/forgesync/internal/store"
)

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Error       string `json:"error"`
	NeedsReauth bool   `json:"needs_reauth,omitempty"`
}

var errBadBody = errors.New("malformed request body")

// statusFor maps a domain or provider error to an HTTP status.
func statusFor(err error) int {
	var (
		perr      *provider.Error
		exhausted *retry.ExhaustedError
	)
	switch {
	case errors.Is(err, provider.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, provider.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, repos.ErrConflict),
		errors.Is(err, repos.ErrInactive),
		errors.Is(err, mergerequests.ErrInvalidTransition),
		errors.Is(err, branches.ErrDefaultBranch),
		errors.Is(err, provider.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound), errors.Is(err, provider.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadBody),
		errors.Is(err, registry.ErrUnsupportedProvider),
		errors.Is(err, repos.ErrInvalidRequest),
		errors.Is(err, mergerequests.ErrInvalidRequest),
		errors.Is(err, branches.ErrInvalidName),
		errors.Is(err, gitsync.ErrNoCallbackURL),
		errors.Is(err, provider.ErrInvalid):
		return http.StatusBadRequest
	case errors.As(err, &exhausted), errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	if status == http.StatusUnauthorized {
		resp.NeedsReauth = true
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}
