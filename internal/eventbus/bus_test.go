package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubC()

	b.Publish(Event{Type: TypeActionPerformed, Data: ActionData{Feature: "scan"}})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, TypeActionPerformed, e.Type)
		assert.False(t, e.Time.IsZero())
		require.IsType(t, ActionData{}, e.Data)
	}

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: TypeJobFinished})
	}
	assert.Equal(t, uint64(4), b.Dropped())
}
