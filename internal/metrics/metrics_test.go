package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/betbot/stakepilot/internal/domain"
)

func TestObserveAdvice(t *testing.T) {
	before := AdviceBySignal.Get("Red")
	var base int64
	if v, ok := before.(interface{ Value() int64 }); ok {
		base = v.Value()
	}

	ObserveAdvice(domain.Advice{
		SignalW10:    domain.SignalRed,
		TableStatus:  domain.TableActive,
		StakeUnits:   35,
		GlobalMargin: -12.5,
	})

	got := AdviceBySignal.Get("Red")
	require.NotNil(t, got)
	require.Equal(t, base+1, got.(interface{ Value() int64 }).Value())
	require.Equal(t, 35.0, LastStakeUnits.Value())
	require.Equal(t, -12.5, GlobalMargin.Value())
}

func TestHandlerServesVars(t *testing.T) {
	Publish("test_snapshot", func() interface{} { return map[string]int{"heavy": 2} })
	Publish("test_snapshot", func() interface{} { return "ignored" })

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var vars map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vars))
	require.Contains(t, vars, "decisions_total")
	require.JSONEq(t, `{"heavy":2}`, string(vars["test_snapshot"]))
}

func TestStartAsyncStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := StartAsync(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get("http://" + srv.Addr + "/debug/vars")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.Eventually(t, func() bool {
		r, err := http.Get("http://" + srv.Addr + "/debug/vars")
		if err != nil {
			return true
		}
		r.Body.Close()
		return false
	}, 3*time.Second, 20*time.Millisecond)
}
