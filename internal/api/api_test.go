package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/betbot/stakepilot/internal/deck"
	"github.com/betbot/stakepilot/internal/domain"
	"github.com/betbot/stakepilot/internal/engine"
	"github.com/betbot/stakepilot/internal/heavy"
	"github.com/betbot/stakepilot/internal/mission"
	"github.com/betbot/stakepilot/internal/store"
	"github.com/betbot/stakepilot/pkg/persistence"
)

const (
	testUser     = "alice"
	testPassword = "s3cret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, opts Options) (*Server, http.Handler) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	s := domain.DefaultSettings()
	s.SyncDelayMs = 0
	repo := store.New(persistence.NewMemoryService(), s)
	eng := engine.New(repo, mission.NewController(repo, s), heavy.NewManager(repo))

	opts.Users = map[string]string{testUser: string(hash)}
	srv := New(eng, deck.NewTracker(repo), opts)
	t.Cleanup(srv.Close)
	return srv, srv.Router()
}

func legacyQuery(overrides map[string]string) string {
	q := url.Values{}
	q.Set("username", testUser)
	q.Set("password", testPassword)
	q.Set("COMPUTER", "pc1")
	q.Set("TAVOLO", "1")
	q.Set("MARGINE", "0,0")
	q.Set("COLPO_MARTINGALA", "0")
	q.Set("PBT", "P")
	q.Set("MAZZO", "410")
	q.Set("TEMPO", "0:05")
	for k, v := range overrides {
		if v == "" {
			q.Del(k)
			continue
		}
		q.Set(k, v)
	}
	return "/hand?" + q.Encode()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.SetBasicAuth(testUser, testPassword)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestLegacyHandCodes(t *testing.T) {
	_, h := newTestServer(t, Options{})

	cases := []struct {
		name      string
		overrides map[string]string
		want      string
	}{
		{"ladder", nil, ActionNone},
		{"l5 stop", map[string]string{"TAVOLO": "2", "COLPO_MARTINGALA": "4"}, ActionStop},
		{"bad password", map[string]string{"password": "nope"}, ActionNone},
		{"unknown user", map[string]string{"username": "bob"}, ActionNone},
		{"incomplete", map[string]string{"MAZZO": ""}, ActionNone},
		{"bad table", map[string]string{"TAVOLO": "x"}, ActionError},
		{"legacy username alias", map[string]string{"username": "", "usernname": testUser, "TAVOLO": "3", "COLPO_MARTINGALA": "4"}, ActionStop},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, h, http.MethodGet, legacyQuery(tc.overrides), nil, false)
			require.Equal(t, http.StatusOK, w.Code)
			require.Equal(t, tc.want, w.Body.String())
		})
	}
}

func TestLegacyHandTracksDeckAndActiveTables(t *testing.T) {
	srv, h := newTestServer(t, Options{})

	w := do(t, h, http.MethodPost, legacyQuery(map[string]string{"MAZZO": "410"}), nil, false)
	require.Equal(t, ActionNone, w.Body.String())
	w = do(t, h, http.MethodPost, legacyQuery(map[string]string{"TAVOLO": "7", "MAZZO": "398"}), nil, false)
	require.Equal(t, ActionNone, w.Body.String())

	require.Equal(t, 2, srv.active.Count())

	hist := do(t, h, http.MethodGet, "/api/tables/7/history", nil, true)
	require.Equal(t, http.StatusOK, hist.Code)
	var body struct {
		History []string `json:"history"`
	}
	require.NoError(t, json.Unmarshal(hist.Body.Bytes(), &body))
	require.Equal(t, []string{"P"}, body.History)
}

func TestBasicAuthRequired(t *testing.T) {
	_, h := newTestServer(t, Options{})

	w := do(t, h, http.MethodGet, "/api/k", nil, false)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	w = do(t, h, http.MethodGet, "/api/k", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestSetK(t *testing.T) {
	_, h := newTestServer(t, Options{})

	w := do(t, h, http.MethodPut, "/api/k", map[string]float64{"k": 0}, true)
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, http.MethodPut, "/api/k", map[string]float64{"k": -2}, true)
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, http.MethodPut, "/api/k", map[string]string{}, true)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPut, "/api/k", map[string]float64{"k": 2.5}, true)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/api/k", nil, true)
	var got struct {
		K float64 `json:"k"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, 2.5, got.K)
}

func TestDecideAndHeavy(t *testing.T) {
	_, h := newTestServer(t, Options{})

	w := do(t, h, http.MethodPost, "/api/decide", engine.Hand{
		TableID: 4, HandIndex: 3, MartingaleLevelUI: 5, Outcome: "P", ElapsedMinutes: 5, ActiveTables: 1,
	}, true)
	require.Equal(t, http.StatusOK, w.Code)
	var adv domain.Advice
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &adv))
	require.True(t, adv.StopAtL5)
	require.Equal(t, ActionStop, ActionCode(adv))

	w = do(t, h, http.MethodGet, "/api/heavy", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var heavyBody map[string]float64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &heavyBody))
	require.Equal(t, float64(0), heavyBody["heavy_count"])
	require.Greater(t, heavyBody["portfolio_debt_units"], float64(0))

	w = do(t, h, http.MethodPost, "/api/decide", "not a hand", true)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMissionEndpoints(t *testing.T) {
	_, h := newTestServer(t, Options{})

	w := do(t, h, http.MethodPost, "/api/mission/init", map[string]float64{"target_units": 200, "target_minutes": 90}, true)
	require.Equal(t, http.StatusOK, w.Code)
	var info domain.MissionInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.Equal(t, float64(200), info.UnitsTarget)
	require.Equal(t, float64(90), info.MinutesTarget)

	w = do(t, h, http.MethodGet, "/api/mission?elapsed=20&tables=2", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var rep struct {
		Snapshot   domain.MissionSnapshot `json:"snapshot"`
		Evaluation domain.Evaluation      `json:"evaluation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	require.Equal(t, 2, rep.Snapshot.ActiveTables)
	require.NotEmpty(t, rep.Evaluation.Message)

	w = do(t, h, http.MethodGet, "/api/mission?elapsed=abc", nil, true)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTableResetAndShoeReset(t *testing.T) {
	_, h := newTestServer(t, Options{})

	w := do(t, h, http.MethodPost, "/api/tables/abc/reset", nil, true)
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, http.MethodPost, "/api/tables/3/reset", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodPost, "/api/shoe/reset", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit(t *testing.T) {
	_, h := newTestServer(t, Options{RateLimit: 0.01, RateBurst: 2})

	for i := 0; i < 2; i++ {
		w := do(t, h, http.MethodGet, "/healthz", nil, false)
		require.Equal(t, http.StatusOK, w.Code)
		w = do(t, h, http.MethodGet, "/api/k", nil, true)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}
	w := do(t, h, http.MethodGet, "/api/k", nil, true)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestStreamBroadcastsAdvice(t *testing.T) {
	srv, h := newTestServer(t, Options{})
	ts := httptest.NewServer(h)
	defer ts.Close()

	header := http.Header{}
	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
	req.SetBasicAuth(testUser, testPassword)
	header.Set("Authorization", req.Header.Get("Authorization"))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.Hub().Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	w := do(t, h, http.MethodPost, "/api/decide", engine.Hand{
		TableID: 9, HandIndex: 1, MartingaleLevelUI: 1, Outcome: "P", ElapsedMinutes: 1, ActiveTables: 1,
	}, true)
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string        `json:"type"`
		Data domain.Advice `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, "advice", msg.Type)
	require.Equal(t, 9, msg.Data.TableID)
}

func TestActionCode(t *testing.T) {
	cases := []struct {
		adv  domain.Advice
		want string
	}{
		{domain.Advice{Reason: "Stop L5"}, ActionStop},
		{domain.Advice{Reason: "Ladder L2", TableStatus: domain.TableDisabled}, ActionStop},
		{domain.Advice{Reason: "Heavy active L6", StopAtL5: true}, ActionStop},
		{domain.Advice{Reason: "STOP-WIN"}, ActionStop},
		{domain.Advice{Reason: "Reset ladder"}, ActionReset},
		{domain.Advice{Reason: "SafeWin lock"}, ActionReset},
		{domain.Advice{Reason: "Martingale restart"}, ActionReset},
		{domain.Advice{Reason: "Start table"}, ActionStart},
		{domain.Advice{Reason: "Ladder L3"}, ActionNone},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ActionCode(tc.adv), tc.adv.Reason)
	}
}

func TestParseElapsed(t *testing.T) {
	require.Equal(t, float64(125), parseElapsed("2:05"))
	require.Equal(t, float64(0), parseElapsed("15"))
	require.Equal(t, float64(0), parseElapsed("a:b"))
}

type failingEngine struct {
	Engine
	calls int
}

func (f *failingEngine) OnAdvice(func(domain.Advice)) {}

func (f *failingEngine) Settings() domain.Settings { return domain.DefaultSettings() }

func (f *failingEngine) ResetShoe(context.Context) error { return nil }

func (f *failingEngine) Decide(context.Context, engine.Hand) (domain.Advice, error) {
	f.calls++
	return domain.Advice{}, errors.New("storage unavailable")
}

func TestBreakerOpensOnRepeatedFailures(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	eng := &failingEngine{}
	repo := store.New(persistence.NewMemoryService(), domain.DefaultSettings())
	srv := New(eng, deck.NewTracker(repo), Options{
		Users:           map[string]string{testUser: string(hash)},
		BreakerErrors:   2,
		BreakerCooldown: time.Hour,
	})
	t.Cleanup(srv.Close)
	h := srv.Router()

	for i := 0; i < 2; i++ {
		w := do(t, h, http.MethodGet, legacyQuery(map[string]string{"MAZZO": "400"}), nil, false)
		require.Equal(t, ActionError, w.Body.String())
	}
	require.Equal(t, 2, eng.calls)

	w := do(t, h, http.MethodGet, legacyQuery(nil), nil, false)
	require.Equal(t, ActionError, w.Body.String())
	require.Equal(t, 2, eng.calls, "open breaker must not reach the engine")

	w = do(t, h, http.MethodPost, "/api/decide", engine.Hand{TableID: 1, HandIndex: 1, MartingaleLevelUI: 1}, true)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, h, http.MethodGet, "/healthz", nil, false)
	require.Contains(t, w.Body.String(), "degraded")
}
