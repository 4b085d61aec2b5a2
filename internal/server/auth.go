package server

import (
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/lawnchairsociety/tokenrealms/server/internal/initdata"
	"github.com/lawnchairsociety/tokenrealms/server/internal/logger"
)

// InitDataHeader carries init data for requests without a JSON body.
const InitDataHeader = "X-Telegram-Init-Data"

// authorize validates Telegram init data for a request acting as playerID.
// raw falls back to the InitDataHeader when empty. An IP that keeps sending
// bad signatures is locked out for a while.
func (s *Server) authorize(r *http.Request, raw, playerID string) (*initdata.Data, error) {
	ip := getRealIP(r)
	if locked, remaining := s.guard.IsLocked(ip); locked {
		return nil, fmt.Errorf("%w: retry in %d seconds", errRateLimited, int(remaining.Seconds())+1)
	}

	if raw == "" {
		raw = r.Header.Get(InitDataHeader)
	}

	data, err := initdata.Validate(raw, s.cfg.Telegram.BotToken, s.cfg.Telegram.InitDataMaxAge)
	if err != nil {
		locked, lockout := s.guard.RecordFailure(ip)
		logger.Audit("Rejected init data",
			"client_ip", ip,
			"player_id", playerID,
			"path", r.URL.Path,
			"locked_out", locked,
			"lockout", lockout.String(),
			"error", err)
		return nil, err
	}
	s.guard.RecordSuccess(ip)

	if data.User != nil && playerID != "" && data.User.IDString() != playerID {
		logger.Audit("Init data used for another player",
			"client_ip", ip,
			"player_id", playerID,
			"signed_user", data.User.IDString())
		return nil, errIdentityMismatch
	}
	return data, nil
}

// requireAdmin guards the admin API with a bcrypt-hashed bearer token.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hash := s.cfg.Admin.TokenHash
		if hash == "" {
			writeError(w, r, errAdminDisabled)
			return
		}

		ip := getRealIP(r)
		if locked, _ := s.guard.IsLocked(ip); locked {
			writeError(w, r, errRateLimited)
			return
		}

		token, ok := bearerToken(r)
		if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
			s.guard.RecordFailure(ip)
			logger.Audit("Rejected admin request", "client_ip", ip, "path", r.URL.Path)
			writeError(w, r, errUnauthorized)
			return
		}
		s.guard.RecordSuccess(ip)

		logger.Audit("Admin request", "client_ip", ip, "method", r.Method, "path", r.URL.Path)
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
