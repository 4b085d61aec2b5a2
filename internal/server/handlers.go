package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lawnchairsociety/tokenrealms/server/internal/combat"
	"github.com/lawnchairsociety/tokenrealms/server/internal/game"
	"github.com/lawnchairsociety/tokenrealms/server/internal/logger"
	"github.com/lawnchairsociety/tokenrealms/server/internal/persistence"
	"github.com/lawnchairsociety/tokenrealms/server/internal/player"
	"github.com/lawnchairsociety/tokenrealms/server/internal/region"
)

const (
	leaderboardSize     = 10
	defaultBattlesLimit = 20
	maxBattlesLimit     = 100
)

type okResponse struct {
	Success bool `json:"success"`
}

type userResponse struct {
	Success  bool           `json:"success"`
	UserData player.Profile `json:"userData"`
}

// GET /api/users/{id}
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.games.Profile(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{Success: true, UserData: p})
}

// saveRequest accepts both the gameData envelope and the older
// playerData + stats layout.
type saveRequest struct {
	InitData   string          `json:"initData"`
	GameData   *player.Profile `json:"gameData"`
	PlayerData *player.Profile `json:"playerData"`
	Stats      *player.Stats   `json:"stats"`
}

func (req *saveRequest) profile() (player.Profile, error) {
	var p player.Profile
	switch {
	case req.GameData != nil:
		p = *req.GameData
	case req.PlayerData != nil:
		p = *req.PlayerData
	default:
		return p, fmt.Errorf("%w: gameData is required", errBadRequest)
	}
	if req.Stats != nil {
		p.Stats = *req.Stats
	}
	return p, nil
}

// POST /api/users/{id}/update and /save
func (s *Server) handleSaveUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req saveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.authorize(r, req.InitData, id); err != nil {
		writeError(w, r, err)
		return
	}
	next, err := req.profile()
	if err != nil {
		writeError(w, r, err)
		return
	}

	view, err := s.games.Replace(r.Context(), id, next)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logger.Debug("Profile saved by client", "player_id", id, "tokens", view.Profile.Tokens, "level", view.Profile.Level)
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

type leaderboardResponse struct {
	Success     bool                   `json:"success"`
	Leaderboard []persistence.Standing `json:"leaderboard"`
}

// GET /api/leaderboard
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	standings, err := s.store.Leaderboard(r.Context(), leaderboardSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if standings == nil {
		standings = []persistence.Standing{}
	}
	writeJSON(w, http.StatusOK, leaderboardResponse{Success: true, Leaderboard: standings})
}

type battleData struct {
	Region           string `json:"region"`
	Enemy            string `json:"enemy"`
	EnemyType        string `json:"enemyType"`
	Outcome          string `json:"outcome"`
	Won              *bool  `json:"won"`
	TokensEarned     int    `json:"tokensEarned"`
	ExperienceEarned int    `json:"experienceEarned"`
}

type battleRequest struct {
	InitData   string      `json:"initData"`
	PlayerID   string      `json:"playerId"`
	BattleData *battleData `json:"battleData"`
}

func (req *battleRequest) battle() (persistence.Battle, error) {
	if strings.TrimSpace(req.PlayerID) == "" {
		return persistence.Battle{}, fmt.Errorf("%w: playerId is required", errBadRequest)
	}
	d := req.BattleData
	if d == nil {
		return persistence.Battle{}, fmt.Errorf("%w: battleData is required", errBadRequest)
	}

	outcome := d.Outcome
	if outcome == "" && d.Won != nil {
		outcome = persistence.OutcomeDefeat
		if *d.Won {
			outcome = persistence.OutcomeVictory
		}
	}
	switch outcome {
	case persistence.OutcomeVictory, persistence.OutcomeDefeat, persistence.OutcomeAbandoned:
	default:
		return persistence.Battle{}, fmt.Errorf("%w: unknown outcome %q", errBadRequest, outcome)
	}
	if d.TokensEarned < 0 || d.ExperienceEarned < 0 {
		return persistence.Battle{}, fmt.Errorf("%w: rewards cannot be negative", errBadRequest)
	}

	enemyType := d.EnemyType
	if enemyType == "" {
		enemyType = d.Enemy
	}
	return persistence.Battle{
		PlayerID:         req.PlayerID,
		Region:           d.Region,
		EnemyType:        enemyType,
		Outcome:          outcome,
		TokensEarned:     d.TokensEarned,
		ExperienceEarned: d.ExperienceEarned,
	}, nil
}

// POST /api/battles
func (s *Server) handleRecordBattle(w http.ResponseWriter, r *http.Request) {
	var req battleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.authorize(r, req.InitData, req.PlayerID); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := req.battle()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.RecordBattle(r.Context(), b); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

type battlesResponse struct {
	Success bool                 `json:"success"`
	Battles []persistence.Battle `json:"battles"`
}

// GET /api/users/{id}/battles?limit=N
func (s *Server) handleUserBattles(w http.ResponseWriter, r *http.Request) {
	limit := defaultBattlesLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = min(n, maxBattlesLimit)
	}

	battles, err := s.store.RecentBattles(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if battles == nil {
		battles = []persistence.Battle{}
	}
	writeJSON(w, http.StatusOK, battlesResponse{Success: true, Battles: battles})
}

type regionsResponse struct {
	Success bool             `json:"success"`
	Regions []*region.Region `json:"regions"`
}

// GET /api/regions
func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, regionsResponse{Success: true, Regions: s.games.Catalog().All()})
}

// signedRequest is the body of the gameplay routes. The body is optional when
// init data comes in the header.
type signedRequest struct {
	InitData string `json:"initData"`
}

func (s *Server) authorizeGameplay(w http.ResponseWriter, r *http.Request, id string) error {
	var req signedRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
			return err
		}
	}
	data, err := s.authorize(r, req.InitData, id)
	if err != nil {
		return err
	}
	if data.User != nil {
		if err := s.games.Claim(r.Context(), id, data.User.DisplayName()); err != nil {
			return err
		}
	}
	return nil
}

// gameResponse is shared by the gameplay routes and the websocket stream.
type gameResponse struct {
	Type     string         `json:"type,omitempty"`
	Success  bool           `json:"success"`
	Message  string         `json:"message,omitempty"`
	State    combat.State   `json:"state"`
	UserData player.Profile `json:"userData"`
	Outcome  any            `json:"outcome,omitempty"`
}

func newGameResponse(v game.View, message string, outcome any) gameResponse {
	return gameResponse{
		Success:  true,
		Message:  message,
		State:    v.State,
		UserData: v.Profile,
		Outcome:  outcome,
	}
}

// POST /api/users/{id}/regions/{key}/enter
func (s *Server) handleEnter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.authorizeGameplay(w, r, id); err != nil {
		writeError(w, r, err)
		return
	}
	res, view, err := s.games.Enter(r.Context(), id, r.PathValue("key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newGameResponse(view, entryMessage(res), res))
}

// POST /api/users/{id}/combat/{action}
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.authorizeGameplay(w, r, id); err != nil {
		writeError(w, r, err)
		return
	}
	out, view, err := s.games.Act(r.Context(), id, r.PathValue("action"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newGameResponse(view, outcomeMessage(out), out))
}

// POST /api/users/{id}/exit
func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.authorizeGameplay(w, r, id); err != nil {
		writeError(w, r, err)
		return
	}
	view, err := s.games.Exit(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newGameResponse(view, "You return to town.", nil))
}

type healthResponse struct {
	Success  bool   `json:"success"`
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Uptime   string `json:"uptime"`
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Success:  true,
		Status:   "ok",
		Sessions: s.games.Count(),
		Uptime:   time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

type adminSessionsResponse struct {
	Success        bool               `json:"success"`
	Sessions       []game.SessionInfo `json:"sessions"`
	StoredPlayers  int                `json:"storedPlayers"`
	PendingSaves   int                `json:"pendingSaves"`
	TrackedPlayers int                `json:"trackedPlayers"`
	Connections    ConnStats          `json:"connections"`
}

// GET /api/admin/sessions
func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	stored, err := s.store.CountPlayers(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to count players: %w", err))
		return
	}
	resp := adminSessionsResponse{
		Success:       true,
		Sessions:      s.games.Sessions(),
		StoredPlayers: stored,
		Connections:   s.conns.Stats(),
	}
	if s.saves != nil {
		resp.PendingSaves = s.saves.Pending()
		resp.TrackedPlayers = s.saves.Tracked()
	}
	writeJSON(w, http.StatusOK, resp)
}

type adminFlushResponse struct {
	Success      bool `json:"success"`
	PendingSaves int  `json:"pendingSaves"`
}

// POST /api/admin/flush
func (s *Server) handleAdminFlush(w http.ResponseWriter, r *http.Request) {
	if s.saves == nil {
		writeJSON(w, http.StatusOK, adminFlushResponse{Success: true})
		return
	}
	if err := s.saves.FlushAll(r.Context()); err != nil {
		writeError(w, r, fmt.Errorf("failed to flush pending saves: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, adminFlushResponse{Success: true, PendingSaves: s.saves.Pending()})
}

func entryMessage(res *combat.EntryResult) string {
	if res == nil || res.Region == nil {
		return ""
	}
	if res.Encounter && res.Enemy != nil {
		return fmt.Sprintf("You enter %s. A %s appears!", res.Region.Name, res.Enemy.Type)
	}
	return fmt.Sprintf("You enter %s. All is quiet.", res.Region.Name)
}

func outcomeMessage(out *combat.Outcome) string {
	if out == nil {
		return ""
	}
	switch out.Status {
	case combat.StatusVictory:
		msg := fmt.Sprintf("You defeated the %s! +%d tokens, +%d experience.", out.EnemyType, out.TokensEarned, out.ExperienceEarned)
		if out.LevelUp.LevelsGained > 0 {
			msg += fmt.Sprintf(" You reached level %d!", out.LevelUp.NewLevel)
		}
		return msg
	case combat.StatusDefeat:
		return fmt.Sprintf("The %s knocked you out. You wake up back in town.", out.EnemyType)
	default:
		return fmt.Sprintf("You dealt %d damage and took %d.", out.DamageDealt, out.DamageTaken)
	}
}
