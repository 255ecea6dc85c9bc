package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pacer/internal/clock"
	"pacer/internal/cooldown"
	"pacer/internal/storage"
)

type session struct{ hits []string }

func TestRegistry(t *testing.T) {
	r := NewRegistry[*session]()
	noop := ExecutorFunc[*session](func(context.Context, *session) (bool, error) { return true, nil })
	require.NoError(t, r.Register("Scan", noop))
	assert.Error(t, r.Register("scan", noop))
	assert.Error(t, r.Register(" ", noop))
	assert.Error(t, r.Register("nil", nil))

	e, ok := r.Get(" SCAN ")
	require.True(t, ok)
	done, err := e.Execute(context.Background(), &session{})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{"scan"}, r.Names())
}

func TestTargetedSetsCooldown(t *testing.T) {
	ctx := context.Background()
	store := cooldown.NewStore(storage.NewMemory())
	clk := clock.Wall{}
	ex := &Targeted[*session]{
		Name:     "attack",
		Kind:     storage.KindMinor,
		Pool:     func(context.Context) ([]string, error) { return []string{"A"}, nil },
		Cooldown: time.Hour,
		Act: func(_ context.Context, s *session, id string) (bool, error) {
			s.hits = append(s.hits, id)
			return true, nil
		},
		Selector:  cooldown.NewSelector(store, clk),
		Cooldowns: store,
		Clock:     clk,
	}
	s := &session{}
	done, err := ex.Execute(ctx, s)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{"A"}, s.hits)

	until, ok := store.Get(ctx, "A", storage.KindMinor)
	require.True(t, ok)
	assert.True(t, until.After(time.Now().Add(59*time.Minute)))

	// A is cooling down now.
	done, err = ex.Execute(ctx, s)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestTargetedPoolFailure(t *testing.T) {
	store := cooldown.NewStore(storage.NewMemory())
	ex := &Targeted[*session]{
		Name:     "attack",
		Kind:     storage.KindMinor,
		Pool:     func(context.Context) ([]string, error) { return nil, errors.New("page timeout") },
		Act:      func(context.Context, *session, string) (bool, error) { return true, nil },
		Selector: cooldown.NewSelector(store, nil),
	}
	done, err := ex.Execute(context.Background(), &session{})
	assert.False(t, done)
	assert.ErrorIs(t, err, ErrPoolUnavailable)
}
