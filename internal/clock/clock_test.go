package clock

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWall struct{ t time.Time }

func (f *fakeWall) now() time.Time          { return f.t }
func (f *fakeWall) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestDomainWithoutSourceIsWall(t *testing.T) {
	w := &fakeWall{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(nil, WithNow(w.now))
	assert.Equal(t, w.t, s.Domain(context.Background()))
}

func TestDomainCachesOffset(t *testing.T) {
	w := &fakeWall{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	src := DomainSourceFunc(func(context.Context) (time.Time, error) {
		calls.Add(1)
		return w.t.Add(90 * time.Second), nil
	})
	s := New(src, WithNow(w.now), WithRefreshEvery(time.Minute))

	assert.Equal(t, w.t.Add(90*time.Second), s.Domain(context.Background()))
	w.advance(10 * time.Second)
	assert.Equal(t, w.t.Add(90*time.Second), s.Domain(context.Background()))
	assert.EqualValues(t, 1, calls.Load())

	w.advance(time.Minute)
	s.Domain(context.Background())
	assert.EqualValues(t, 2, calls.Load())
}

func TestDomainFallsBackToWall(t *testing.T) {
	w := &fakeWall{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	fail := false
	src := DomainSourceFunc(func(context.Context) (time.Time, error) {
		if fail {
			return time.Time{}, errors.New("unreachable")
		}
		return w.t.Add(time.Hour), nil
	})
	s := New(src, WithNow(w.now), WithRefreshEvery(time.Minute), WithMaxOffsetAge(5*time.Minute))

	require.Equal(t, w.t.Add(time.Hour), s.Domain(context.Background()))

	fail = true
	w.advance(2 * time.Minute)
	// cached offset still young enough
	assert.Equal(t, w.t.Add(time.Hour), s.Domain(context.Background()))

	w.advance(10 * time.Minute)
	assert.Equal(t, w.t, s.Domain(context.Background()))
}

func TestHTTPDateSource(t *testing.T) {
	want := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", want.Format(http.TimeFormat))
	}))
	defer srv.Close()

	got, err := HTTPDateSource{URL: srv.URL}.Now(context.Background())
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}
