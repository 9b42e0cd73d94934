package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camtrace/internal/model"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return base.Add(time.Duration(sec * float64(time.Second)))
}

func event(id, typ, pkg string, sec float64) *model.NormalizedLogEvent {
	return &model.NormalizedLogEvent{ID: id, Timestamp: at(sec), EventType: typ, PackageName: pkg}
}

// session builds a closed session owning every given event.
func session(pkg string, startSec, endSec float64, events ...*model.NormalizedLogEvent) *model.CameraSession {
	s := &model.CameraSession{
		ID:             "session-" + pkg,
		StartTime:      at(startSec),
		PackageName:    pkg,
		SourceEventIDs: model.NewEventIDSet(),
	}
	s.SetEnd(at(endSec))
	for _, e := range events {
		s.SourceEventIDs.Add(e.ID)
	}
	return s
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	calc, err := NewConfidenceCalculator(DefaultWeights())
	require.NoError(t, err)
	r, err := FromPatterns(DefaultPatterns(), calc)
	require.NoError(t, err)
	return r
}

func detect(t *testing.T, s *model.CameraSession, events []*model.NormalizedLogEvent) *model.CaptureEvent {
	t.Helper()
	return newRegistry(t).Select(s).Detect(s, events, model.DefaultAnalysisOptions())
}

// ===== Confidence =====

func TestScoreSumsDistinctWeights(t *testing.T) {
	calc, err := NewConfidenceCalculator(DefaultWeights())
	require.NoError(t, err)

	score := calc.Score([]string{
		model.ArtifactDatabaseInsert,
		model.ArtifactVibration,
		model.ArtifactForegroundService,
		model.ArtifactPlayerCreated,
		model.ArtifactMediaExtractor,
		model.ArtifactCameraActivityRefresh,
		model.ArtifactPlayerReleased,
		model.ArtifactVibration,
	}, 0)
	assert.InDelta(t, 1.95, score, 1e-9)
}

func TestScoreClamp(t *testing.T) {
	calc, err := NewConfidenceCalculator(DefaultWeights())
	require.NoError(t, err)

	artifacts := []string{
		model.ArtifactSilentCameraCapture,
		model.ArtifactVibration,
		model.ArtifactCameraActivityRefresh,
	}
	assert.InDelta(t, 1.05, calc.Score(artifacts, 0), 1e-9)
	assert.InDelta(t, 1.0, calc.Score(artifacts, 1.0), 1e-9)
}

func TestScoreUnknownArtifact(t *testing.T) {
	calc, err := NewConfidenceCalculator(WeightTable{"A": 0.3})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, calc.Score([]string{"A", "B"}, 0), 1e-9)
}

func TestCalculatorRejectsBadTables(t *testing.T) {
	_, err := NewConfidenceCalculator(nil)
	assert.ErrorIs(t, err, ErrNoWeights)

	_, err = NewConfidenceCalculator(WeightTable{"A": 1.5})
	assert.ErrorIs(t, err, ErrInvalidWeight)
}

func TestCalculatorCopiesWeights(t *testing.T) {
	weights := WeightTable{"A": 0.3}
	calc, err := NewConfidenceCalculator(weights)
	require.NoError(t, err)

	weights["A"] = 0.9
	assert.InDelta(t, 0.3, calc.Score([]string{"A"}, 0), 1e-9)
}

// ===== Strategies =====

func TestGenericStrategyFullArtifactSet(t *testing.T) {
	pkg := "com.sec.android.app.camera"
	events := []*model.NormalizedLogEvent{
		event("fg", model.ArtifactForegroundService, pkg, 1),
		event("vib", model.ArtifactVibration, pkg, 2),
		event("db", model.ArtifactDatabaseInsert, pkg, 3),
		event("pc", model.ArtifactPlayerCreated, pkg, 3.5),
		event("me", model.ArtifactMediaExtractor, pkg, 4),
		event("car", model.ArtifactCameraActivityRefresh, pkg, 4.5),
		event("pr", model.ArtifactPlayerReleased, pkg, 5),
	}
	s := session(pkg, 0, 10, events...)

	c := detect(t, s, events)
	require.NotNil(t, c)
	assert.Equal(t, GenericPattern, c.Strategy)
	assert.InDelta(t, 1.95, c.Score, 1e-9)
	assert.Equal(t, at(3), c.CaptureTime, "anchored on the database insert")
	assert.Equal(t, s.ID, c.SessionID)
	assert.Equal(t, pkg, c.PackageName)
	assert.Len(t, c.ArtifactTypes, 7)
}

func TestSilentStrategyClampsAndReinterpretsConnect(t *testing.T) {
	pkg := "com.peace.SilentCamera"
	events := []*model.NormalizedLogEvent{
		event("connect", model.EventCameraConnect, pkg, 0),
		event("car", model.ArtifactCameraActivityRefresh, pkg, 1),
		event("vib", model.ArtifactVibration, pkg, 2),
		event("db", model.ArtifactDatabaseInsert, pkg, 3),
		event("disconnect", model.EventCameraDisconnect, pkg, 10),
	}
	s := session(pkg, 0, 10, events...)

	c := detect(t, s, events)
	require.NotNil(t, c)
	assert.Equal(t, SilentPattern, c.Strategy)
	assert.InDelta(t, 1.0, c.Score, 1e-9)
	assert.Equal(t, at(0), c.CaptureTime)
	assert.ElementsMatch(t, []string{
		model.ArtifactSilentCameraCapture,
		model.ArtifactCameraActivityRefresh,
		model.ArtifactVibration,
	}, c.ArtifactTypes)
}

func TestHostedStrategyNeverCreditsDatabaseInsert(t *testing.T) {
	pkg := "org.telegram.messenger"
	events := []*model.NormalizedLogEvent{
		event("vib", model.ArtifactVibration, "com.android.camera", 2),
		event("grant", model.ArtifactURIPermissionGrant, pkg, 3),
		event("db", model.ArtifactDatabaseInsert, "com.android.camera", 3.5),
		event("revoke", model.ArtifactURIPermissionRevoke, pkg, 6),
	}
	s := session(pkg, 0, 10, events...)
	s.ComponentPackage = "com.android.camera"

	c := detect(t, s, events)
	require.NotNil(t, c)
	assert.Equal(t, HostedPattern, c.Strategy)
	assert.NotContains(t, c.ArtifactTypes, model.ArtifactDatabaseInsert)
	assert.InDelta(t, 0.95, c.Score, 1e-9)
	assert.Equal(t, at(3), c.CaptureTime, "anchored on the uri grant")
}

func TestCameraXStrategyForInAppCapture(t *testing.T) {
	pkg := "org.telegram.messenger"
	events := []*model.NormalizedLogEvent{
		event("car", model.ArtifactCameraActivityRefresh, pkg, 1),
		event("vib", model.ArtifactVibration, pkg, 2),
		event("player", model.ArtifactPlayerEvent, pkg, 2.5),
		event("db", model.ArtifactDatabaseInsert, pkg, 3),
	}
	s := session(pkg, 0, 10, events...)

	c := detect(t, s, events)
	require.NotNil(t, c)
	assert.Equal(t, CameraXPattern, c.Strategy)
	assert.ElementsMatch(t, []string{model.ArtifactVibration, model.ArtifactCameraActivityRefresh}, c.ArtifactTypes)
	assert.InDelta(t, 0.55, c.Score, 1e-9)
	assert.Equal(t, at(2), c.CaptureTime)
}

func TestBelowThresholdYieldsNoCapture(t *testing.T) {
	pkg := "com.sec.android.app.camera"
	events := []*model.NormalizedLogEvent{
		event("car", model.ArtifactCameraActivityRefresh, pkg, 1),
		event("pr", model.ArtifactPlayerReleased, pkg, 2),
	}
	s := session(pkg, 0, 10, events...)
	assert.Nil(t, detect(t, s, events))

	calc, err := NewConfidenceCalculator(DefaultWeights())
	require.NoError(t, err)
	st, err := NewPatternStrategy(DefaultPatterns()[3], calc)
	require.NoError(t, err)
	ev := st.Evaluate(s, events, model.DefaultAnalysisOptions())
	assert.False(t, ev.Captured)
	assert.InDelta(t, 0.3, ev.Score, 1e-9)
}

func TestOnlyContributingEventsInsideWindowCount(t *testing.T) {
	pkg := "com.sec.android.app.camera"
	inside := event("db", model.ArtifactDatabaseInsert, pkg, 3)
	late := event("vib-late", model.ArtifactVibration, pkg, 20)
	foreign := event("vib-foreign", model.ArtifactVibration, "com.other", 4)
	s := session(pkg, 0, 10, inside, late)

	c := detect(t, s, []*model.NormalizedLogEvent{inside, late, foreign})
	require.NotNil(t, c)
	assert.Equal(t, []string{model.ArtifactDatabaseInsert}, c.ArtifactTypes)
	assert.InDelta(t, 0.5, c.Score, 1e-9)
}

func TestCaptureTimeWithinOpenSessionWindow(t *testing.T) {
	pkg := "com.sec.android.app.camera"
	events := []*model.NormalizedLogEvent{
		event("db", model.ArtifactDatabaseInsert, pkg, 5),
		event("vib", model.ArtifactVibration, pkg, 6),
	}
	s := &model.CameraSession{
		ID:             "open",
		StartTime:      at(0),
		PackageName:    pkg,
		SourceEventIDs: model.NewEventIDSet("db", "vib"),
	}

	opts := model.DefaultAnalysisOptions()
	c := newRegistry(t).Select(s).Detect(s, events, opts)
	require.NotNil(t, c)
	start, end := s.Window(opts.EventCorrelationWindow)
	assert.False(t, c.CaptureTime.Before(start))
	assert.False(t, c.CaptureTime.After(end))
}

func TestRequiredArtifacts(t *testing.T) {
	calc, err := NewConfidenceCalculator(DefaultWeights())
	require.NoError(t, err)
	st, err := NewPatternStrategy(Pattern{
		Name:     "strict",
		Kind:     KindGeneric,
		Credits:  []string{model.ArtifactDatabaseInsert, model.ArtifactVibration},
		Required: []string{model.ArtifactDatabaseInsert},
	}, calc)
	require.NoError(t, err)

	pkg := "com.example.cam"
	vib := event("vib", model.ArtifactVibration, pkg, 2)
	vib2 := event("vib2", model.ArtifactVibration, pkg, 3)
	s := session(pkg, 0, 10, vib, vib2)

	opts := model.DefaultAnalysisOptions()
	opts.MinConfidenceThreshold = 0.1
	assert.Nil(t, st.Detect(s, []*model.NormalizedLogEvent{vib, vib2}, opts))
}

func TestCaptureIDDeterministic(t *testing.T) {
	pkg := "com.sec.android.app.camera"
	events := []*model.NormalizedLogEvent{event("db", model.ArtifactDatabaseInsert, pkg, 3)}
	s := session(pkg, 0, 10, events...)

	a := detect(t, s, events)
	b := detect(t, s, events)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, s.ID, a.ID)
}

// ===== Registry =====

func TestRegistrySelection(t *testing.T) {
	r := newRegistry(t)

	tests := []struct {
		name      string
		pkg       string
		component string
		want      string
	}{
		{"silent app", "com.peace.SilentCamera", "", SilentPattern},
		{"hosted chat", "org.telegram.messenger", "com.android.camera", HostedPattern},
		{"in-app chat", "org.telegram.messenger", "", CameraXPattern},
		{"hosted only app", "com.whatsapp", "", GenericPattern},
		{"unknown app", "com.example.cam", "", GenericPattern},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &model.CameraSession{PackageName: tt.pkg, ComponentPackage: tt.component}
			assert.Equal(t, tt.want, r.Select(s).Name())
		})
	}
}

func TestRegistryNamesFallbackLast(t *testing.T) {
	names := newRegistry(t).Names()
	require.Len(t, names, 4)
	assert.Equal(t, GenericPattern, names[len(names)-1])
}

func TestFromPatternsErrors(t *testing.T) {
	calc, err := NewConfidenceCalculator(DefaultWeights())
	require.NoError(t, err)

	_, err = FromPatterns(DefaultPatterns()[:3], calc)
	assert.ErrorIs(t, err, ErrNoFallback)

	patterns := append(DefaultPatterns(), DefaultPatterns()[3])
	_, err = FromPatterns(patterns, calc)
	assert.Error(t, err)

	_, err = FromPatterns([]Pattern{{Name: "x", Kind: "bogus", Credits: []string{"A"}}}, calc)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = FromPatterns(DefaultPatterns(), nil)
	assert.ErrorIs(t, err, ErrNoWeights)
}
