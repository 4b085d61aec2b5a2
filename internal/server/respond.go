package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/lawnchairsociety/tokenrealms/server/internal/combat"
	"github.com/lawnchairsociety/tokenrealms/server/internal/game"
	"github.com/lawnchairsociety/tokenrealms/server/internal/initdata"
	"github.com/lawnchairsociety/tokenrealms/server/internal/logger"
	"github.com/lawnchairsociety/tokenrealms/server/internal/persistence"
	"github.com/lawnchairsociety/tokenrealms/server/internal/player"
	"github.com/lawnchairsociety/tokenrealms/server/internal/region"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

var (
	errBadRequest       = errors.New("bad request")
	errIdentityMismatch = errors.New("init data belongs to another player")
	errRateLimited      = errors.New("too many requests")
	errUnauthorized     = errors.New("unauthorized")
	errAdminDisabled    = errors.New("admin api disabled")
	errEmptyBody        = fmt.Errorf("%w: empty body", errBadRequest)
)

// statusFor maps an error to the HTTP status returned to the client.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, combat.ErrInvalidAction),
		errors.Is(err, player.ErrInvalidProfile):
		return http.StatusBadRequest
	case errors.Is(err, initdata.ErrInvalidHash),
		errors.Is(err, initdata.ErrMalformed),
		errors.Is(err, initdata.ErrExpired),
		errors.Is(err, errIdentityMismatch),
		errors.Is(err, errUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, region.ErrRegionNotFound),
		errors.Is(err, persistence.ErrNotFound),
		errors.Is(err, errAdminDisabled):
		return http.StatusNotFound
	case errors.Is(err, combat.ErrInvalidState),
		errors.Is(err, combat.ErrInsufficientResources),
		errors.Is(err, combat.ErrRegionLocked),
		errors.Is(err, player.ErrInsufficientTokens):
		return http.StatusConflict
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, game.ErrShuttingDown),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// clientMessage hides internal errors from clients.
func clientMessage(err error, status int) string {
	if status >= http.StatusInternalServerError {
		return http.StatusText(status)
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write response", "error", err)
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err)
	}
	writeJSON(w, status, errorResponse{Success: false, Message: clientMessage(err, status)})
}

// decodeJSON reads a single JSON document from the request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
