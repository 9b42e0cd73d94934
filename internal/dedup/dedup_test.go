package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camtrace/internal/model"
)

var t0 = time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)

const pkg = "com.sec.android.app.camera"

func ev(id, typ, source string, ms int, attrs ...any) *model.NormalizedLogEvent {
	e := &model.NormalizedLogEvent{
		ID:          id,
		Timestamp:   t0.Add(time.Duration(ms) * time.Millisecond),
		EventType:   typ,
		Source:      source,
		PackageName: pkg,
	}
	if len(attrs) > 0 {
		e.Attributes = make(map[string]any)
		for i := 0; i+1 < len(attrs); i += 2 {
			e.Attributes[attrs[i].(string)] = attrs[i+1]
		}
	}
	return e
}

func ids(events []*model.NormalizedLogEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestDeduplicateCollapsesRedundantSources(t *testing.T) {
	d := New(DefaultConfig(), nil)
	out := d.Deduplicate([]*model.NormalizedLogEvent{
		ev("vib-audio", model.ArtifactVibration, "audio", 100),
		ev("vib-vibrator", model.ArtifactVibration, "vibrator", 0),
		ev("db", model.ArtifactDatabaseInsert, "media", 50),
	}, 0.8)

	assert.Equal(t, []string{"vib-vibrator", "db"}, ids(out))
}

func TestDeduplicateKeepsDistantEvents(t *testing.T) {
	d := New(DefaultConfig(), nil)
	out := d.Deduplicate([]*model.NormalizedLogEvent{
		ev("a", model.ArtifactVibration, "vibrator", 0),
		ev("b", model.ArtifactVibration, "vibrator", 5000),
	}, 0.8)
	assert.Len(t, out, 2)
}

func TestDeduplicateRequiresSamePackage(t *testing.T) {
	other := ev("b", model.ArtifactVibration, "vibrator", 10)
	other.PackageName = "com.other"

	d := New(DefaultConfig(), nil)
	out := d.Deduplicate([]*model.NormalizedLogEvent{
		ev("a", model.ArtifactVibration, "vibrator", 0),
		other,
	}, 0.8)
	assert.Len(t, out, 2)
}

func TestDeduplicateAttributeDisagreement(t *testing.T) {
	d := New(DefaultConfig(), nil)
	out := d.Deduplicate([]*model.NormalizedLogEvent{
		ev("a", model.ArtifactDatabaseInsert, "media", 0, "uri", "content://media/1"),
		ev("b", model.ArtifactDatabaseInsert, "media", 10, "uri", "content://media/2"),
	}, 0.8)
	assert.Len(t, out, 2, "different media rows are different inserts")
}

func TestDeduplicateSimultaneousPrefersRichest(t *testing.T) {
	d := New(DefaultConfig(), nil)
	out := d.Deduplicate([]*model.NormalizedLogEvent{
		ev("sparse", model.ArtifactPlayerCreated, "audio", 0),
		ev("rich", model.ArtifactPlayerCreated, "audio", 0, "piid", 31, "usage", "sonification"),
	}, 0.8)
	require.Len(t, out, 1)
	assert.Equal(t, "rich", out[0].ID)
}

func TestCameraStrategyDeviceMismatch(t *testing.T) {
	d := New(DefaultConfig(), nil)
	out := d.Deduplicate([]*model.NormalizedLogEvent{
		ev("c0", model.EventCameraConnect, "media", 0, model.AttrDeviceID, 0),
		ev("c1", model.EventCameraConnect, "media", 20, model.AttrDeviceID, 1),
		ev("c0-dup", model.EventCameraConnect, "framework", 40, model.AttrCameraID, "0"),
	}, 0.8)
	assert.Equal(t, []string{"c0", "c1"}, ids(out))
}

func TestCameraStrategyOwnsCameraPairs(t *testing.T) {
	// 800ms apart: outside the camera tolerance but inside the generic one.
	d := New(DefaultConfig(), nil)
	out := d.Deduplicate([]*model.NormalizedLogEvent{
		ev("c0", model.EventCameraConnect, "media", 0),
		ev("c0-late", model.EventCameraConnect, "media", 800),
	}, 0.5)
	assert.Len(t, out, 2)
}

func TestDeduplicateIsIdempotent(t *testing.T) {
	var events []*model.NormalizedLogEvent
	types := []string{model.ArtifactVibration, model.ArtifactPlayerCreated, model.EventCameraConnect}
	for i := 0; i < 60; i++ {
		events = append(events, ev(fmt.Sprintf("e%02d", i), types[i%3], "src", i*137%2000, "n", i%4))
	}

	d := New(DefaultConfig(), nil)
	for _, threshold := range []float64{0, 0.5, 0.8, 1} {
		once := d.Deduplicate(events, threshold)
		twice := d.Deduplicate(once, threshold)
		assert.Equal(t, ids(once), ids(twice), "threshold %v", threshold)
	}
}

func TestDeduplicateSkipsMalformed(t *testing.T) {
	d := New(DefaultConfig(), nil)
	out := d.Deduplicate([]*model.NormalizedLogEvent{
		nil,
		{ID: "no-type", Timestamp: t0},
		ev("ok", model.ArtifactVibration, "vibrator", 0),
	}, 0.8)
	assert.Equal(t, []string{"ok"}, ids(out))
}

func TestSimilarityScores(t *testing.T) {
	s := NewTimeWindowStrategy(time.Second)

	score, ok := s.Similarity(ev("a", model.ArtifactVibration, "x", 0), ev("b", model.ArtifactVibration, "y", 0))
	require.True(t, ok)
	assert.InDelta(t, 1.0, score, 1e-9)

	score, ok = s.Similarity(ev("a", model.ArtifactVibration, "x", 0), ev("b", model.ArtifactVibration, "y", 500))
	require.True(t, ok)
	assert.InDelta(t, 0.8, score, 1e-9)

	_, ok = s.Similarity(ev("a", model.ArtifactVibration, "x", 0), ev("b", model.ArtifactPlayerEvent, "y", 0))
	assert.False(t, ok)
}
