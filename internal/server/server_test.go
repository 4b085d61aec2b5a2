package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/lawnchairsociety/tokenrealms/server/internal/combat"
	"github.com/lawnchairsociety/tokenrealms/server/internal/config"
	"github.com/lawnchairsociety/tokenrealms/server/internal/dice"
	"github.com/lawnchairsociety/tokenrealms/server/internal/game"
	"github.com/lawnchairsociety/tokenrealms/server/internal/initdata"
	"github.com/lawnchairsociety/tokenrealms/server/internal/persistence"
	"github.com/lawnchairsociety/tokenrealms/server/internal/player"
	"github.com/lawnchairsociety/tokenrealms/server/internal/region"
)

const testBotToken = "123456:TEST-TOKEN"

type testServer struct {
	ts   *httptest.Server
	srv  *Server
	repo *persistence.MemoryRepository
	sync *persistence.Synchronizer
	mgr  *game.Manager
	src  *dice.Scripted
}

func newTestServer(t *testing.T, mutate func(*config.ServerConfig)) *testServer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Telegram.BotToken = testBotToken
	cfg.RateLimit.RequestsPerSecond = 0
	if mutate != nil {
		mutate(cfg)
	}

	f := &testServer{
		repo: persistence.NewMemoryRepository(),
		src:  &dice.Scripted{},
	}
	f.sync = persistence.NewSynchronizer(f.repo, persistence.Options{SaveInterval: time.Hour})
	f.mgr = game.NewManager(region.Default(), f.sync, f.repo, f.src, game.DefaultOptions())
	f.srv = New(cfg, f.mgr, f.repo, f.sync)
	f.ts = httptest.NewServer(f.srv.Handler())

	t.Cleanup(func() { f.sync.Close(context.Background()) })
	t.Cleanup(func() { f.mgr.Shutdown(context.Background()) })
	t.Cleanup(f.ts.Close)
	t.Cleanup(func() { f.srv.Shutdown(context.Background()) })
	return f
}

func signedFor(id int64) string {
	return initdata.SignUser(initdata.User{ID: id, Username: "alice"}, time.Now(), testBotToken)
}

func (f *testServer) do(t *testing.T, method, path string, body any, header http.Header) (int, map[string]any) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode, out
}

func initHeader(raw string) http.Header {
	h := http.Header{}
	h.Set(InitDataHeader, raw)
	return h
}

func userData(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	u, ok := body["userData"].(map[string]any)
	if !ok {
		t.Fatalf("response has no userData: %v", body)
	}
	return u
}

func num(v any) int {
	f, _ := v.(float64)
	return int(f)
}

func TestGetUser_UnknownReturnsDefaults(t *testing.T) {
	f := newTestServer(t, nil)

	status, body := f.do(t, http.MethodGet, "/api/users/100", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["success"] != true {
		t.Errorf("success = %v", body["success"])
	}
	u := userData(t, body)
	if u["id"] != "100" || u["username"] != player.DefaultUsername {
		t.Errorf("unexpected identity %v", u)
	}
	if num(u["tokens"]) != 0 || num(u["level"]) != 1 || num(u["experience"]) != 0 || num(u["health"]) != 100 {
		t.Errorf("unexpected defaults %v", u)
	}
	stats, ok := u["stats"].(map[string]any)
	if !ok || num(stats["battlesWon"]) != 0 || num(stats["regionsExplored"]) != 0 || num(stats["totalTokens"]) != 0 {
		t.Errorf("unexpected stats %v", u["stats"])
	}
}

func saveBody(initData string, tokens, level int) map[string]any {
	return map[string]any{
		"initData": initData,
		"gameData": map[string]any{
			"username":   "alice",
			"tokens":     tokens,
			"level":      level,
			"experience": level * 100,
			"health":     80,
			"stats": map[string]any{
				"battlesWon":      3,
				"regionsExplored": 4,
				"totalTokens":     tokens,
			},
		},
	}
}

func TestSaveUser_PersistsProfile(t *testing.T) {
	for _, route := range []string{"update", "save"} {
		t.Run(route, func(t *testing.T) {
			f := newTestServer(t, nil)

			status, body := f.do(t, http.MethodPost, "/api/users/42/"+route, saveBody(signedFor(42), 120, 2), nil)
			if status != http.StatusOK || body["success"] != true {
				t.Fatalf("save: status %d body %v", status, body)
			}

			status, body = f.do(t, http.MethodGet, "/api/users/42", nil, nil)
			if status != http.StatusOK {
				t.Fatalf("get: status %d", status)
			}
			u := userData(t, body)
			if num(u["tokens"]) != 120 || num(u["level"]) != 2 || num(u["health"]) != 80 || u["username"] != "alice" {
				t.Errorf("unexpected profile %v", u)
			}

			if err := f.sync.FlushAll(context.Background()); err != nil {
				t.Fatalf("FlushAll: %v", err)
			}
			stored, err := f.repo.Get(context.Background(), "42")
			if err != nil {
				t.Fatalf("repo.Get: %v", err)
			}
			if stored.Tokens != 120 || stored.Stats.BattlesWon != 3 {
				t.Errorf("stored = %+v", stored)
			}
		})
	}
}

func TestSaveUser_PlayerDataLayout(t *testing.T) {
	f := newTestServer(t, nil)

	body := map[string]any{
		"initData":   signedFor(42),
		"playerData": map[string]any{"tokens": 60, "level": 1, "experience": 40, "health": 100},
		"stats":      map[string]any{"battlesWon": 1, "regionsExplored": 2, "totalTokens": 60},
	}
	if status, resp := f.do(t, http.MethodPost, "/api/users/42/save", body, nil); status != http.StatusOK {
		t.Fatalf("status %d body %v", status, resp)
	}

	p, err := f.mgr.Profile(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if p.Tokens != 60 || p.Stats.RegionsExplored != 2 || p.Username != player.DefaultUsername {
		t.Errorf("profile = %+v", p)
	}
}

func TestSaveUser_Rejections(t *testing.T) {
	tampered := func() string {
		v, _ := url.ParseQuery(signedFor(42))
		v.Set("auth_date", "1")
		return v.Encode()
	}

	tests := []struct {
		name       string
		path       string
		body       map[string]any
		header     http.Header
		wantStatus int
	}{
		{"tampered payload", "/api/users/42/save", saveBody(tampered(), 999, 50), nil, http.StatusForbidden},
		{"signed by another bot", "/api/users/42/save", saveBody(initdata.SignUser(initdata.User{ID: 42}, time.Now(), "other"), 999, 50), nil, http.StatusForbidden},
		{"missing init data", "/api/users/42/update", saveBody("", 999, 50), nil, http.StatusForbidden},
		{"other player's init data", "/api/users/42/save", saveBody(signedFor(7), 999, 50), nil, http.StatusForbidden},
		{"missing game data", "/api/users/42/save", map[string]any{"initData": signedFor(42)}, nil, http.StatusBadRequest},
		{"negative tokens", "/api/users/42/save", saveBody(signedFor(42), -5, 1), nil, http.StatusBadRequest},
		{"init data from header", "/api/users/42/save", saveBody("", 10, 1), initHeader(signedFor(42)), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestServer(t, nil)

			status, body := f.do(t, http.MethodPost, tt.path, tt.body, tt.header)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %v)", status, tt.wantStatus, body)
			}
			if status != http.StatusOK {
				if body["success"] != false || body["message"] == "" {
					t.Errorf("error body = %v", body)
				}
				p, _ := f.mgr.Profile(context.Background(), "42")
				if p.Tokens != 0 || p.Level != 1 {
					t.Errorf("rejected save changed the profile: %+v", p)
				}
			}
		})
	}
}

func TestSaveUser_LevelCannotDecrease(t *testing.T) {
	f := newTestServer(t, nil)

	if status, _ := f.do(t, http.MethodPost, "/api/users/42/save", saveBody(signedFor(42), 100, 3), nil); status != http.StatusOK {
		t.Fatalf("first save status %d", status)
	}
	status, body := f.do(t, http.MethodPost, "/api/users/42/save", saveBody(signedFor(42), 100, 2), nil)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %v)", status, body)
	}
}

func TestLeaderboard_Order(t *testing.T) {
	f := newTestServer(t, nil)
	ctx := context.Background()

	seed := []player.Profile{
		{ID: "a", Username: "low", Tokens: 10, Level: 1, Health: 100},
		{ID: "b", Username: "tie-low", Tokens: 500, Level: 2, Health: 100},
		{ID: "c", Username: "top", Tokens: 900, Level: 1, Health: 100},
		{ID: "d", Username: "tie-high", Tokens: 500, Level: 5, Health: 100},
	}
	for i := 0; i < 10; i++ {
		seed = append(seed, player.Profile{ID: "filler" + strconv.Itoa(i), Username: "f", Tokens: 50 + i, Level: 1, Health: 100})
	}
	for _, p := range seed {
		if err := f.repo.Upsert(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	status, body := f.do(t, http.MethodGet, "/api/leaderboard", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	rows, ok := body["leaderboard"].([]any)
	if !ok {
		t.Fatalf("no leaderboard in %v", body)
	}
	if len(rows) != 10 {
		t.Fatalf("got %d rows, want 10", len(rows))
	}

	wantTop := []string{"top", "tie-high", "tie-low"}
	for i, want := range wantTop {
		row := rows[i].(map[string]any)
		if row["username"] != want {
			t.Errorf("rows[%d] = %v, want %s", i, row["username"], want)
		}
	}
	for _, r := range rows {
		if r.(map[string]any)["username"] == "low" {
			t.Error("lowest player should not make the top 10")
		}
	}
}

func TestGameplay_VictoryFlow(t *testing.T) {
	f := newTestServer(t, nil)
	// encounter, HODL Yeti, attack 10, defense 5, four attacks of 29, then rewards 25 tokens / 13 exp
	f.src.Ints = []int{0, 0, 0, 19, 19, 19, 19, 5, 3}
	hdr := initHeader(signedFor(42))

	status, body := f.do(t, http.MethodPost, "/api/users/42/regions/frostbyteVault/enter", nil, hdr)
	if status != http.StatusOK {
		t.Fatalf("enter: status %d body %v", status, body)
	}
	state := body["state"].(map[string]any)
	if state["inCombat"] != true || state["region"] != "frostbyteVault" {
		t.Fatalf("state after enter = %v", state)
	}
	if u := userData(t, body); u["username"] != "alice" {
		t.Errorf("username not claimed from init data: %v", u["username"])
	}

	for i := 0; i < 3; i++ {
		status, body = f.do(t, http.MethodPost, "/api/users/42/combat/attack", nil, hdr)
		if status != http.StatusOK {
			t.Fatalf("attack %d: status %d body %v", i, status, body)
		}
		if out := body["outcome"].(map[string]any); out["status"] != string(combat.StatusActive) {
			t.Fatalf("attack %d: status %v", i, out["status"])
		}
	}

	status, body = f.do(t, http.MethodPost, "/api/users/42/combat/attack", nil, hdr)
	if status != http.StatusOK {
		t.Fatalf("final attack: status %d", status)
	}
	out := body["outcome"].(map[string]any)
	if out["status"] != string(combat.StatusVictory) || num(out["tokensEarned"]) != 25 || num(out["experienceEarned"]) != 13 {
		t.Errorf("outcome = %v", out)
	}
	levelUp, _ := out["levelUp"].(map[string]any)
	if num(levelUp["oldLevel"]) != 1 || num(levelUp["newLevel"]) != 1 || levelUp["levelsGained"] == nil {
		t.Errorf("levelUp = %v, want camelCase level fields", out["levelUp"])
	}
	if st := body["state"].(map[string]any); num(st["experienceToNextLevel"]) != 87 {
		t.Errorf("experienceToNextLevel = %v, want 87", st["experienceToNextLevel"])
	}
	u := userData(t, body)
	if num(u["tokens"]) != 25 || num(u["experience"]) != 13 || num(u["health"]) != 60 {
		t.Errorf("userData = %v", u)
	}

	status, body = f.do(t, http.MethodPost, "/api/users/42/exit", nil, hdr)
	if status != http.StatusOK {
		t.Fatalf("exit: status %d", status)
	}
	stored, err := f.repo.Get(context.Background(), "42")
	if err != nil {
		t.Fatalf("exit should flush the profile: %v", err)
	}
	if stored.Tokens != 25 || stored.Stats.BattlesWon != 1 || stored.Stats.RegionsExplored != 1 {
		t.Errorf("stored = %+v", stored)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, body = f.do(t, http.MethodGet, "/api/users/42/battles", nil, nil)
		if list, _ := body["battles"].([]any); len(list) == 1 {
			b := list[0].(map[string]any)
			if b["outcome"] != persistence.OutcomeVictory || b["enemy"] != "HODL Yeti" {
				t.Errorf("battle = %v", b)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("victory never recorded: %v", body)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGameplay_ExitWithFailingStore(t *testing.T) {
	f := newTestServer(t, nil)
	f.src.Floats = []float64{0.9} // no encounter
	hdr := initHeader(signedFor(43))

	if status, body := f.do(t, http.MethodPost, "/api/users/43/regions/frostbyteVault/enter", nil, hdr); status != http.StatusOK {
		t.Fatalf("enter: status %d body %v", status, body)
	}

	f.repo.FailNextUpserts(1000)
	status, body := f.do(t, http.MethodPost, "/api/users/43/exit", nil, hdr)
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("exit: status %d body %v, want 200 while the store is down", status, body)
	}
	if st := body["state"].(map[string]any); st["region"] != nil {
		t.Errorf("state after exit = %v", st)
	}

	// the snapshot waits for the store to come back
	f.repo.FailNextUpserts(0)
	if err := f.sync.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if p, err := f.repo.Get(context.Background(), "43"); err != nil || p.Stats.RegionsExplored != 1 {
		t.Errorf("stored = %+v, %v", p, err)
	}
}

func TestGameplay_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"unknown region", "/api/users/42/regions/moon/enter", http.StatusNotFound},
		{"locked region", "/api/users/42/regions/pumpDumpCaverns/enter", http.StatusConflict},
		{"unknown action", "/api/users/42/combat/dance", http.StatusBadRequest},
		{"action outside combat", "/api/users/42/combat/attack", http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestServer(t, nil)

			status, body := f.do(t, http.MethodPost, tt.path, nil, initHeader(signedFor(42)))
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %v)", status, tt.wantStatus, body)
			}
			if body["success"] != false {
				t.Errorf("success = %v", body["success"])
			}
		})
	}
}

func TestGameplay_InsufficientTokens(t *testing.T) {
	f := newTestServer(t, nil)
	hdr := initHeader(signedFor(42))

	if status, _ := f.do(t, http.MethodPost, "/api/users/42/regions/frostbyteVault/enter", nil, hdr); status != http.StatusOK {
		t.Fatalf("enter status %d", status)
	}
	status, body := f.do(t, http.MethodPost, "/api/users/42/combat/special", nil, hdr)
	if status != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (body %v)", status, body)
	}
}

func TestGameplay_RequiresSignature(t *testing.T) {
	f := newTestServer(t, nil)

	status, _ := f.do(t, http.MethodPost, "/api/users/42/regions/frostbyteVault/enter", nil, nil)
	if status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", status)
	}
	if f.mgr.Count() != 0 {
		t.Error("unsigned request started a session")
	}
}

func TestRecordBattle(t *testing.T) {
	f := newTestServer(t, nil)

	body := map[string]any{
		"initData": signedFor(42),
		"playerId": "42",
		"battleData": map[string]any{
			"region":           "fomoForest",
			"enemy":            "FOMO Fox",
			"won":              true,
			"tokensEarned":     30,
			"experienceEarned": 12,
		},
	}
	if status, resp := f.do(t, http.MethodPost, "/api/battles", body, nil); status != http.StatusOK {
		t.Fatalf("status %d body %v", status, resp)
	}

	list, err := f.repo.RecentBattles(context.Background(), "42", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Outcome != persistence.OutcomeVictory || list[0].EnemyType != "FOMO Fox" || list[0].TokensEarned != 30 {
		t.Errorf("battles = %+v", list)
	}

	bad := map[string]any{"initData": signedFor(42), "playerId": "42", "battleData": map[string]any{"outcome": "draw"}}
	if status, _ := f.do(t, http.MethodPost, "/api/battles", bad, nil); status != http.StatusBadRequest {
		t.Errorf("unknown outcome: status %d, want 400", status)
	}

	forged := map[string]any{"initData": signedFor(7), "playerId": "42", "battleData": map[string]any{"outcome": "victory"}}
	if status, _ := f.do(t, http.MethodPost, "/api/battles", forged, nil); status != http.StatusForbidden {
		t.Errorf("mismatched player: status %d, want 403", status)
	}
}

func TestUserBattles_Limit(t *testing.T) {
	f := newTestServer(t, nil)

	if status, _ := f.do(t, http.MethodGet, "/api/users/42/battles?limit=abc", nil, nil); status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
	status, body := f.do(t, http.MethodGet, "/api/users/42/battles", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	if list, ok := body["battles"].([]any); !ok || len(list) != 0 {
		t.Errorf("battles = %v, want empty list", body["battles"])
	}
}

func TestRegionsAndHealth(t *testing.T) {
	f := newTestServer(t, nil)

	status, body := f.do(t, http.MethodGet, "/api/regions", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("regions status %d", status)
	}
	regions := body["regions"].([]any)
	if len(regions) != 3 {
		t.Errorf("got %d regions, want 3", len(regions))
	}

	status, body = f.do(t, http.MethodGet, "/healthz", nil, nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz: status %d body %v", status, body)
	}
}

func TestSignatureLockout(t *testing.T) {
	f := newTestServer(t, func(c *config.ServerConfig) {
		c.RateLimit.MaxFailures = 2
	})

	for i := 0; i < 2; i++ {
		if status, _ := f.do(t, http.MethodPost, "/api/users/42/save", saveBody("hash=00", 1, 1), nil); status != http.StatusForbidden {
			t.Fatalf("attempt %d: status %d, want 403", i, status)
		}
	}
	// Locked out even with a valid signature
	status, _ := f.do(t, http.MethodPost, "/api/users/42/save", saveBody(signedFor(42), 1, 1), nil)
	if status != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", status)
	}
}

func TestRequestRateLimit(t *testing.T) {
	f := newTestServer(t, func(c *config.ServerConfig) {
		c.RateLimit.RequestsPerSecond = 0.001
		c.RateLimit.Burst = 2
	})

	for i := 0; i < 2; i++ {
		if status, _ := f.do(t, http.MethodGet, "/api/regions", nil, nil); status != http.StatusOK {
			t.Fatalf("request %d: status %d", i, status)
		}
	}
	if status, _ := f.do(t, http.MethodGet, "/api/regions", nil, nil); status != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", status)
	}
	if status, _ := f.do(t, http.MethodGet, "/healthz", nil, nil); status != http.StatusOK {
		t.Errorf("healthz should bypass the limiter, got %d", status)
	}
}

func TestCORS(t *testing.T) {
	f := newTestServer(t, func(c *config.ServerConfig) {
		c.HTTP.AllowedOrigins = []string{"https://web.telegram.org"}
	})

	preflight := func(origin string) *http.Response {
		req, _ := http.NewRequest(http.MethodOptions, f.ts.URL+"/api/users/1/save", nil)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}

	resp := preflight("https://web.telegram.org")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("allowed preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://web.telegram.org" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), InitDataHeader) {
		t.Errorf("Allow-Headers = %q", resp.Header.Get("Access-Control-Allow-Headers"))
	}

	resp = preflight("https://evil.example")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("disallowed preflight status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin got CORS headers")
	}
}

func TestAdmin(t *testing.T) {
	t.Run("disabled without hash", func(t *testing.T) {
		f := newTestServer(t, nil)
		if status, _ := f.do(t, http.MethodGet, "/api/admin/sessions", nil, nil); status != http.StatusNotFound {
			t.Errorf("status = %d, want 404", status)
		}
	})

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	f := newTestServer(t, func(c *config.ServerConfig) {
		c.Admin.TokenHash = string(hash)
	})

	bearer := func(token string) http.Header {
		h := http.Header{}
		h.Set("Authorization", "Bearer "+token)
		return h
	}

	if status, _ := f.do(t, http.MethodGet, "/api/admin/sessions", nil, nil); status != http.StatusForbidden {
		t.Errorf("no token: status %d, want 403", status)
	}
	if status, _ := f.do(t, http.MethodGet, "/api/admin/sessions", nil, bearer("wrong")); status != http.StatusForbidden {
		t.Errorf("wrong token: status %d, want 403", status)
	}

	if _, err := f.mgr.Snapshot(context.Background(), "5"); err != nil {
		t.Fatal(err)
	}
	status, body := f.do(t, http.MethodGet, "/api/admin/sessions", nil, bearer("s3cret"))
	if status != http.StatusOK {
		t.Fatalf("status %d body %v", status, body)
	}
	sessions := body["sessions"].([]any)
	if len(sessions) != 1 || sessions[0].(map[string]any)["playerId"] != "5" {
		t.Errorf("sessions = %v", sessions)
	}

	if _, err := f.mgr.Replace(context.Background(), "5", player.Profile{Tokens: 9, Level: 1, Health: 100}); err != nil {
		t.Fatal(err)
	}
	status, body = f.do(t, http.MethodPost, "/api/admin/flush", nil, bearer("s3cret"))
	if status != http.StatusOK || num(body["pendingSaves"]) != 0 {
		t.Fatalf("flush: status %d body %v", status, body)
	}
	if p, err := f.repo.Get(context.Background(), "5"); err != nil || p.Tokens != 9 {
		t.Errorf("flushed profile = %+v, %v", p, err)
	}

	status, body = f.do(t, http.MethodGet, "/api/admin/sessions", nil, bearer("s3cret"))
	if status != http.StatusOK {
		t.Fatalf("status %d body %v", status, body)
	}
	if num(body["storedPlayers"]) != 1 || num(body["trackedPlayers"]) != 0 {
		t.Errorf("storedPlayers = %v, trackedPlayers = %v; want 1 and 0", body["storedPlayers"], body["trackedPlayers"])
	}
}

func dialWS(t *testing.T, f *testServer, id int64, initData string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	q := url.Values{}
	q.Set("id", strconv.FormatInt(id, 10))
	q.Set("initData", initData)
	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?" + q.Encode()
	return websocket.DefaultDialer.Dial(u, nil)
}

func readReply(t *testing.T, conn *websocket.Conn) gameResponse {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply gameResponse
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	return reply
}

func TestWebSocket_Session(t *testing.T) {
	f := newTestServer(t, nil)
	f.src.Ints = []int{0, 0, 0, 19}

	conn, _, err := dialWS(t, f, 42, signedFor(42))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := readReply(t, conn)
	if !hello.Success || hello.Type != msgState || hello.UserData.ID != "42" || hello.UserData.Username != "alice" {
		t.Fatalf("hello = %+v", hello)
	}

	conn.WriteJSON(wsMessage{Type: msgEnter, Region: "frostbyteVault"})
	reply := readReply(t, conn)
	if !reply.Success || !reply.State.InCombat || reply.UserData.Stats.RegionsExplored != 1 {
		t.Fatalf("enter = %+v", reply)
	}

	conn.WriteJSON(wsMessage{Type: msgAction, Action: "special"})
	reply = readReply(t, conn)
	if reply.Success || reply.Message == "" || !reply.State.InCombat {
		t.Errorf("special without tokens = %+v", reply)
	}

	conn.WriteJSON(wsMessage{Type: msgAction, Action: "attack"})
	reply = readReply(t, conn)
	if !reply.Success || reply.UserData.Health != 90 {
		t.Errorf("attack = %+v", reply)
	}

	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	if reply = readReply(t, conn); reply.Success || reply.Type != msgError {
		t.Errorf("malformed = %+v", reply)
	}

	conn.WriteJSON(wsMessage{Type: "dance"})
	if reply = readReply(t, conn); reply.Success {
		t.Errorf("unknown type = %+v", reply)
	}

	conn.WriteJSON(wsMessage{Type: msgExit})
	reply = readReply(t, conn)
	if !reply.Success || reply.State.InCombat || reply.State.Region != "" {
		t.Errorf("exit = %+v", reply)
	}
	if _, err := f.repo.Get(context.Background(), "42"); err != nil {
		t.Errorf("exit should flush: %v", err)
	}
}

func TestWebSocket_Rejections(t *testing.T) {
	f := newTestServer(t, func(c *config.ServerConfig) {
		c.Connections.MaxPerIP = 1
	})

	_, resp, err := dialWS(t, f, 42, "hash=bad")
	if err == nil {
		t.Fatal("dial with a bad signature should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("bad signature response = %v", resp)
	}

	first, _, err := dialWS(t, f, 42, signedFor(42))
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	_, resp, err = dialWS(t, f, 43, signedFor(43))
	if err == nil {
		t.Fatal("second connection from the same IP should be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("limit response = %v", resp)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{combat.ErrInvalidAction, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", player.ErrInvalidProfile), http.StatusBadRequest},
		{errEmptyBody, http.StatusBadRequest},
		{initdata.ErrInvalidHash, http.StatusForbidden},
		{initdata.ErrExpired, http.StatusForbidden},
		{errIdentityMismatch, http.StatusForbidden},
		{region.ErrRegionNotFound, http.StatusNotFound},
		{persistence.ErrNotFound, http.StatusNotFound},
		{combat.ErrInvalidState, http.StatusConflict},
		{combat.ErrInsufficientResources, http.StatusConflict},
		{combat.ErrRegionLocked, http.StatusConflict},
		{errRateLimited, http.StatusTooManyRequests},
		{game.ErrShuttingDown, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}

	if msg := clientMessage(errors.New("disk on fire"), http.StatusInternalServerError); msg != "Internal Server Error" {
		t.Errorf("internal error leaked: %q", msg)
	}
}
