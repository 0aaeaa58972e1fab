package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueAppendDrain(t *testing.T) {
	q := NewQueue(8)

	ev1 := q.Append(KindCreated, "c1", nil)
	ev2 := q.Append(KindDeleted, "c1", map[string]string{"reason": "user"})

	assert.Equal(t, uint64(1), ev1.ID)
	assert.Equal(t, uint64(2), ev2.ID)
	assert.False(t, ev2.Time.IsZero())

	got := q.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, KindCreated, got[0].Kind)
	assert.Equal(t, "user", got[1].Details["reason"])

	assert.Empty(t, q.Drain())
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := NewQueue(3)

	for i := 0; i < 5; i++ {
		q.Append(KindCreated, "c", nil)
	}

	got := q.Peek()
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].ID)
	assert.Equal(t, uint64(5), got[2].ID)
	assert.Equal(t, uint64(2), q.Dropped())
}

func TestQueueSubscribe(t *testing.T) {
	q := NewQueue(8)
	ch, cancel := q.Subscribe(4)
	defer cancel()

	q.Append(KindRenamed, "c1", map[string]string{"old_id": "c0"})

	select {
	case ev := <-ch:
		assert.Equal(t, KindRenamed, ev.Kind)
		assert.Equal(t, "c0", ev.Details["old_id"])
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestQueueSlowSubscriberDoesNotBlock(t *testing.T) {
	q := NewQueue(8)
	_, cancel := q.Subscribe(1)
	defer cancel()

	// Second append overflows the subscriber buffer; Append must not
	// block and the loss is counted.
	q.Append(KindCreated, "c1", nil)
	q.Append(KindCreated, "c2", nil)

	assert.Equal(t, uint64(1), q.Dropped())
	assert.Len(t, q.Peek(), 2)
}

func TestQueueCancelIdempotent(t *testing.T) {
	q := NewQueue(8)
	ch, cancel := q.Subscribe(1)

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, q.Status().Subscribers)
}

func TestQueueStatus(t *testing.T) {
	q := NewQueue(8)
	q.Append(KindRecovered, "c1", nil)

	st := q.Status()
	assert.Equal(t, StateOutOfSync, st.State)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, uint64(2), st.NextID)
	assert.Equal(t, uint64(0), st.Dropped)

	q.Drain()
	assert.Equal(t, StateSynced, q.Status().State)
}
