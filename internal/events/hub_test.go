package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func assertEmpty(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}

func TestPublish_BroadcastAndRing(t *testing.T) {
	h := NewHub(2)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish("worker.started", map[string]int{"pid": 1})
	h.Publish("worker.ready", nil)
	h.Publish("call.started", nil)

	assert.Equal(t, "worker.started", recv(t, ch).Type)
	ready := recv(t, ch)
	assert.Equal(t, "worker.ready", ready.Type)
	assert.Equal(t, "{}", string(ready.Data))

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 2)
	assert.Equal(t, "worker.ready", snap[0].Type)
	assert.Equal(t, "call.started", snap[1].Type)

	assert.Len(t, h.SnapshotSince(snap[0].ID), 1)
}

func TestProgress_DroppedWithoutSession(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()
	defer cancel()

	assert.False(t, h.PublishProgress(map[string]int{"percent": 5}))
	assertEmpty(t, ch)
	assert.Empty(t, h.SnapshotSince(0), "progress is never buffered")
}

func TestProgress_OnlyActiveSession(t *testing.T) {
	h := NewHub(10)
	lifecycle, cancelL := h.Subscribe()
	defer cancelL()
	first, cancelFirst := h.Attach("window-1")
	second, cancelSecond := h.Attach("window-2")
	defer cancelFirst()

	assert.Equal(t, "window-2", h.ActiveSession())
	require.True(t, h.PublishProgress(map[string]int{"percent": 50}))

	ev := recv(t, second)
	assert.Equal(t, TypeProgress, ev.Type)
	assert.Equal(t, "window-2", ev.Session)
	assertEmpty(t, first)
	assertEmpty(t, lifecycle)

	cancelSecond()
	assert.Equal(t, "window-1", h.ActiveSession())
	require.True(t, h.PublishProgress(nil))
	assert.Equal(t, "window-1", recv(t, first).Session)

	cancelFirst()
	assert.Equal(t, "", h.ActiveSession())
	assert.False(t, h.PublishProgress(nil))
}

func TestAttach_SharedSessionStaysActive(t *testing.T) {
	h := NewHub(10)
	_, cancelA := h.Attach("window")
	b, cancelB := h.Attach("window")
	defer cancelB()

	cancelA()
	cancelA()
	assert.Equal(t, "window", h.ActiveSession())
	require.True(t, h.PublishProgress(nil))
	recv(t, b)
	assert.Equal(t, 1, h.Subscribers())
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	h.Publish("worker.exited", nil)
}

func TestPublish_ConcurrentIDsFollowOrder(t *testing.T) {
	h := NewHub(256)
	ch, cancel := h.Subscribe()
	defer cancel()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				h.Publish("worker.state", map[string]string{"state": "ready"})
			}
		}()
	}
	wg.Wait()

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 100)
	for i := 1; i < len(snap); i++ {
		assert.Less(t, snap[i-1].ID, snap[i].ID, "ring position %d", i)
	}

	var last int64
	for range 100 {
		ev := recv(t, ch)
		assert.Greater(t, ev.ID, last)
		last = ev.ID
	}
}
