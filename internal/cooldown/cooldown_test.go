package cooldown

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pacer/internal/clock"
	"pacer/internal/storage"
)

var domainNow = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

func fixedClock() clock.Clock {
	return clock.New(
		clock.DomainSourceFunc(func(context.Context) (time.Time, error) { return domainNow, nil }),
		clock.WithNow(func() time.Time { return domainNow }),
	)
}

func TestSetThenGet(t *testing.T) {
	st := NewStore(storage.NewMemory())
	ctx := context.Background()
	until := domainNow.Add(30 * time.Minute)

	require.NoError(t, st.Set(ctx, "A", storage.KindMinor, until, WithLocale("fr")))
	got, ok := st.Get(ctx, "A", storage.KindMinor)
	require.True(t, ok)
	assert.True(t, got.Equal(until))

	_, ok = st.Get(ctx, "A", storage.KindMajor)
	assert.False(t, ok)
	assert.ErrorIs(t, st.Set(ctx, "A", "daily", until), storage.ErrInvalidKind)
}

type brokenBackend struct{ storage.CooldownStore }

func (brokenBackend) GetCooldown(context.Context, string) (storage.CooldownRecord, bool, error) {
	return storage.CooldownRecord{}, false, errors.New("timeout")
}

func TestGetFailsOpen(t *testing.T) {
	st := NewStore(brokenBackend{storage.NewMemory()})
	_, ok := st.Get(context.Background(), "A", storage.KindMinor)
	assert.False(t, ok)

	sel := NewSelector(st, fixedClock())
	id, ok := sel.Select(context.Background(), Request{Pool: []string{"A"}, Kind: storage.KindMinor})
	require.True(t, ok)
	assert.Equal(t, "A", id)
}

func TestRemoveAndRename(t *testing.T) {
	st := NewStore(storage.NewMemory())
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, "old", storage.KindMajor, domainNow, WithAttribute("gold")))

	ok, err := st.Rename(ctx, "old", "new")
	require.NoError(t, err)
	assert.True(t, ok)
	got, ok := st.Get(ctx, "new", storage.KindMajor)
	require.True(t, ok)
	assert.True(t, got.Equal(domainNow))

	ok, err = st.Remove(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = st.Remove(ctx, "new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPaddedIDsReachTheSameRecord(t *testing.T) {
	st := NewStore(storage.NewMemory())
	ctx := context.Background()
	until := domainNow.Add(time.Hour)

	require.NoError(t, st.Set(ctx, " bob ", storage.KindMinor, until))
	got, ok := st.Get(ctx, " bob ", storage.KindMinor)
	require.True(t, ok)
	assert.True(t, got.Equal(until))
	_, ok = st.Get(ctx, "bob", storage.KindMinor)
	assert.True(t, ok)

	ok, err := st.Rename(ctx, "bob\t", " robert")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.Remove(ctx, " robert ")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Error(t, st.Set(ctx, "  ", storage.KindMinor, until))
}

func TestSelectScenarioABC(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	st := NewStore(backend)
	require.NoError(t, st.Set(ctx, "A", storage.KindMinor, domainNow.Add(-time.Minute)))
	require.NoError(t, st.Set(ctx, "B", storage.KindMinor, domainNow.Add(time.Hour)))

	for seed := int64(0); seed < 50; seed++ {
		sel := NewSelector(st, fixedClock(), WithRand(rand.New(rand.NewSource(seed))))
		id, ok := sel.Select(ctx, Request{Pool: []string{"A", "B", "C"}, Kind: storage.KindMinor})
		require.True(t, ok)
		assert.Contains(t, []string{"A", "C"}, id)
	}
}

func TestSelectNeverReturnsExcludedOrSelf(t *testing.T) {
	ctx := context.Background()
	st := NewStore(storage.NewMemory())
	pool := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		pool = append(pool, fmt.Sprintf("e%02d", i))
	}
	excluded := pool[:10]

	for seed := int64(0); seed < 50; seed++ {
		sel := NewSelector(st, fixedClock(), WithSelf("e10", "de"), WithRand(rand.New(rand.NewSource(seed))))
		id, ok := sel.Select(ctx, Request{Pool: pool, Excluded: excluded, Kind: storage.KindMinor})
		require.True(t, ok)
		assert.NotContains(t, excluded, id)
		assert.NotEqual(t, "e10", id)
	}

	sel := NewSelector(st, fixedClock(), WithSelf("only", ""))
	_, ok := sel.Select(ctx, Request{Pool: []string{"only"}, Kind: storage.KindMinor})
	assert.False(t, ok)
}

func TestSelectMajorChecksLocale(t *testing.T) {
	ctx := context.Background()
	st := NewStore(storage.NewMemory())
	past := domainNow.Add(-time.Hour)
	require.NoError(t, st.Set(ctx, "fr1", storage.KindMajor, past, WithLocale("fr")))
	require.NoError(t, st.Set(ctx, "de1", storage.KindMajor, past, WithLocale("DE")))

	sel := NewSelector(st, fixedClock(), WithSelf("me", "de"))
	for i := 0; i < 20; i++ {
		id, ok := sel.Select(ctx, Request{Pool: []string{"fr1", "de1"}, Kind: storage.KindMajor})
		require.True(t, ok)
		assert.Equal(t, "de1", id)
	}

	// Minor ignores locale.
	id, ok := sel.Select(ctx, Request{Pool: []string{"fr1"}, Kind: storage.KindMinor})
	require.True(t, ok)
	assert.Equal(t, "fr1", id)
}

func TestSelectAttributeFilterFallback(t *testing.T) {
	ctx := context.Background()
	st := NewStore(storage.NewMemory())
	require.NoError(t, st.Set(ctx, "x", storage.KindMinor, domainNow.Add(-time.Hour), WithAttribute("silver")))

	sel := NewSelector(st, fixedClock())
	req := Request{Pool: []string{"x"}, Kind: storage.KindMinor, AttributeFilter: []string{"gold"}}
	_, ok := sel.Select(ctx, req)
	assert.False(t, ok)

	id, ok := sel.SelectWithFallback(ctx, req)
	require.True(t, ok)
	assert.Equal(t, "x", id)

	req.AttributeFilter = []string{"Silver"}
	id, ok = sel.Select(ctx, req)
	require.True(t, ok)
	assert.Equal(t, "x", id)
}

func TestSelectAttemptCap(t *testing.T) {
	ctx := context.Background()
	st := NewStore(storage.NewMemory())
	pool := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("c%d", i)
		pool = append(pool, id)
		require.NoError(t, st.Set(ctx, id, storage.KindMinor, domainNow.Add(time.Hour)))
	}
	pool = append(pool, "free")

	sel := NewSelector(st, fixedClock(), WithMaxAttempts(1), WithRand(rand.New(rand.NewSource(3))))
	hits := 0
	for i := 0; i < 30; i++ {
		if id, ok := sel.Select(ctx, Request{Pool: pool, Kind: storage.KindMinor}); ok {
			assert.Equal(t, "free", id)
			hits++
		}
	}
	assert.Less(t, hits, 30)
}

func TestSelectRejectsUnknownKind(t *testing.T) {
	st := NewStore(storage.NewMemory())
	sel := NewSelector(st, fixedClock())
	id, ok := sel.Select(context.Background(), Request{Pool: []string{"A", "B"}, Kind: "weekly"})
	assert.False(t, ok)
	assert.Empty(t, id)
}
