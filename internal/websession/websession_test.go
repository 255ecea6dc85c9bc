package websession

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pacer/internal/actions"
	"pacer/internal/clock"
	"pacer/internal/config"
	"pacer/internal/cooldown"
	"pacer/internal/storage"
)

type fakeSite struct {
	mu     sync.Mutex
	hits   []string
	pools  []string
	status map[string]int
}

func (f *fakeSite) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/entities", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.pools = append(f.pools, r.URL.RawQuery)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`["e1"]`))
	})
	mux.HandleFunc("/api/timers", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"collect": 12.5, "gone": -1}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits = append(f.hits, r.Method+" "+r.URL.Path+" "+r.Header.Get("X-Token"))
		code := f.status[r.URL.Path]
		f.mu.Unlock()
		if code == 0 {
			code = http.StatusOK
		}
		w.WriteHeader(code)
	})
	return mux
}

func newSite(t *testing.T) (*fakeSite, *Session) {
	t.Helper()
	site := &fakeSite{status: map[string]int{}}
	srv := httptest.NewServer(site.handler())
	t.Cleanup(srv.Close)
	s, err := New(srv.URL+"/api", WithHeader("X-Token", "t0k"))
	require.NoError(t, err)
	return site, s
}

func TestNewRejectsRelativeURL(t *testing.T) {
	_, err := New("/just/a/path")
	assert.Error(t, err)
}

func TestRegisterPlainAction(t *testing.T) {
	site, s := newSite(t)
	site.status["/api/busy"] = http.StatusTooManyRequests
	site.status["/api/broken"] = http.StatusInternalServerError

	values := config.Values{
		"action.collect": {"path": "/collect"},
		"action.busy":    {"path": "busy", "method": "put"},
		"action.broken":  {"path": "broken"},
	}
	reg := actions.NewRegistry[*Session]()
	require.NoError(t, Register(reg, values, []string{"collect", "busy", "broken", "manual"}, TargetDeps{}))
	assert.Equal(t, []string{"broken", "busy", "collect"}, reg.Names())

	ctx := context.Background()
	exec, _ := reg.Get("collect")
	done, err := exec.Execute(ctx, s)
	require.NoError(t, err)
	assert.True(t, done)

	exec, _ = reg.Get("busy")
	done, err = exec.Execute(ctx, s)
	require.NoError(t, err)
	assert.False(t, done)

	exec, _ = reg.Get("broken")
	_, err = exec.Execute(ctx, s)
	assert.ErrorContains(t, err, "status 500")

	assert.Equal(t, []string{"POST /api/collect t0k", "PUT /api/busy t0k", "POST /api/broken t0k"}, site.hits)
}

func TestRegisterRejectsBadSections(t *testing.T) {
	reg := actions.NewRegistry[*Session]()
	err := Register(reg, config.Values{"action.x": {"method": "GET"}}, []string{"x"}, TargetDeps{})
	assert.ErrorContains(t, err, "path is required")

	err = Register(reg, config.Values{"action.y": {"path": "/e/{id}"}}, []string{"y"}, TargetDeps{})
	assert.ErrorContains(t, err, "no pool")

	err = Register(reg, config.Values{"action.z": {"path": "/e/{id}", "pool": "/e", "kind": "weekly"}}, []string{"z"}, TargetDeps{})
	assert.ErrorContains(t, err, "invalid")
}

func TestTargetedActionSetsCooldown(t *testing.T) {
	site, s := newSite(t)
	store := cooldown.NewStore(storage.NewMemory())
	clk := clock.Wall{}

	values := config.Values{"action.visit": {
		"path":     "/entities/{id}/visit",
		"pool":     "entities",
		"kind":     "minor",
		"cooldown": "6h",
	}}
	reg := actions.NewRegistry[*Session]()
	require.NoError(t, Register(reg, values, []string{"visit"}, TargetDeps{
		Session:   s,
		Selector:  cooldown.NewSelector(store, clk),
		Cooldowns: store,
		Clock:     clk,
	}))

	ctx := context.Background()
	exec, ok := reg.Get("visit")
	require.True(t, ok)
	done, err := exec.Execute(ctx, s)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{"POST /api/entities/e1/visit t0k"}, site.hits)
	assert.Equal(t, []string{""}, site.pools)

	until, ok := store.Get(ctx, "e1", storage.KindMinor)
	require.True(t, ok)
	assert.True(t, until.After(time.Now().Add(5*time.Hour)))

	// the only candidate is cooling now
	done, err = exec.Execute(ctx, s)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestMajorPoolNarrowedToLocale(t *testing.T) {
	site, s := newSite(t)
	store := cooldown.NewStore(storage.NewMemory())
	clk := clock.Wall{}
	deps := TargetDeps{
		Session:   s,
		Selector:  cooldown.NewSelector(store, clk),
		Cooldowns: store,
		Clock:     clk,
		Locale:    "de",
	}
	values := config.Values{
		"action.raid":  {"path": "/entities/{id}/raid", "pool": "entities?state=open", "kind": "major"},
		"action.scout": {"path": "/entities/{id}/look", "pool": "entities", "kind": "major", "locale_param": "region"},
		"action.visit": {"path": "/entities/{id}/visit", "pool": "entities", "kind": "minor"},
	}
	reg := actions.NewRegistry[*Session]()
	require.NoError(t, Register(reg, values, []string{"raid", "scout", "visit"}, deps))

	ctx := context.Background()
	for _, name := range []string{"raid", "scout", "visit"} {
		exec, ok := reg.Get(name)
		require.True(t, ok, name)
		_, err := exec.Execute(ctx, s)
		require.NoError(t, err, name)
	}
	assert.Equal(t, []string{"locale=de&state=open", "region=de", ""}, site.pools)
}

func TestTimersFromDropsNegative(t *testing.T) {
	_, s := newSite(t)
	got, err := TimersFrom(s, "timers")(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"collect": 12.5}, got)
}

func TestGetJSONStatusError(t *testing.T) {
	site, s := newSite(t)
	site.status["/api/missing"] = http.StatusNotFound
	var out []string
	assert.ErrorContains(t, s.GetJSON(context.Background(), "missing", &out), "status 404")
}
