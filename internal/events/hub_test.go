package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mattjoyce/hookwarden/internal/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRingBufferKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeDispatch, map[string]int{"n": i})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, int64(3), snap[0].ID)
	assert.Equal(t, int64(5), snap[2].ID)

	assert.Len(t, h.SnapshotSince(4), 1)
}

func TestHubSubscribeFiltersTypes(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe(TypeInsight)
	defer cancel()

	h.Publish(TypeDispatch, nil)
	h.PublishInsight(plugin.Insight{PluginID: "p", Title: "hi"})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeInsight, ev.Type)
		var in plugin.Insight
		require.NoError(t, json.Unmarshal(ev.Data, &in))
		assert.Equal(t, "p", in.PluginID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}

	assert.Len(t, h.SnapshotSince(0, TypeInsight), 1)
	assert.Len(t, h.SnapshotSince(0), 2)
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	h := NewHub(10)
	_, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBufferSize+5; i++ {
		h.Publish(TypeDispatch, nil)
	}
	assert.Equal(t, int64(5), h.Dropped())
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	h.Publish(TypeDispatch, nil)
}
