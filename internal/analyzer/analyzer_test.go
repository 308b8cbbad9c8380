package analyzer_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/formcheck/internal/analyzer"
	"github.com/danielpatrickdp/formcheck/internal/classifier"
	"github.com/danielpatrickdp/formcheck/internal/config"
	"github.com/danielpatrickdp/formcheck/internal/fusion"
	"github.com/danielpatrickdp/formcheck/internal/inference"
	"github.com/danielpatrickdp/formcheck/internal/pose"
	"github.com/danielpatrickdp/formcheck/internal/replay"
)

// #region helpers
var epoch = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

func saveModel(t *testing.T, m inference.LinearModel) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.lae")
	if err := m.Save(path, false); err != nil {
		t.Fatalf("save model: %v", err)
	}
	return path
}

// badModel keeps only the first feature, so any real pose reconstructs poorly.
func badModel() inference.LinearModel {
	comps := make([]float32, 99)
	comps[0] = 1
	return inference.LinearModel{
		SequenceLength: 4,
		FeatureWidth:   99,
		Latent:         1,
		Mean:           make([]float32, 99),
		Components:     comps,
	}
}

func newSession(t *testing.T, model inference.LinearModel, overrides ...config.Override) (*analyzer.Analyzer, *replay.Clock) {
	t.Helper()
	overrides = append([]config.Override{
		config.WithModelPath(saveModel(t, model)),
		func(c *config.Exercise) { c.Analyzer.MinIntervalMS = 0 },
	}, overrides...)
	cfg, err := config.Resolve(config.Default("squat"), overrides...)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	clock := replay.NewClock(epoch)
	a := analyzer.New(analyzer.Options{Config: cfg, Now: clock.Now})
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(a.Destroy)
	return a, clock
}

func feed(t *testing.T, a *analyzer.Analyzer, clock *replay.Clock, f *replay.Fixture) []replay.FrameResult {
	t.Helper()
	results, err := replay.Replay(context.Background(), a, f, clock, epoch)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	return results
}

// #endregion helpers

// #region lifecycle-tests
func TestInitializeFailure(t *testing.T) {
	cfg := config.Default("squat")
	cfg.ModelPath = filepath.Join(t.TempDir(), "missing.lae")
	a := analyzer.New(analyzer.Options{Config: cfg})
	defer a.Destroy()

	err := a.Initialize(context.Background())
	if !errors.Is(err, classifier.ErrLoad) {
		t.Fatalf("err = %v, want ErrLoad", err)
	}
	select {
	case ev := <-a.Events():
		if ev.Kind != analyzer.EventError || ev.Err == "" {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no error event emitted")
	}
	if rec := a.AnalyzeFrame(context.Background(), replay.Body(170, 0)); rec != nil {
		t.Errorf("AnalyzeFrame before a successful Initialize = %+v", rec)
	}
	if _, err := a.AutoCalibrate(); !errors.Is(err, analyzer.ErrNotInitialized) {
		t.Errorf("AutoCalibrate err = %v", err)
	}
	if _, err := a.ExportReport(); !errors.Is(err, analyzer.ErrNotInitialized) {
		t.Errorf("ExportReport err = %v", err)
	}
}

func TestInitializeTwice(t *testing.T) {
	a, _ := newSession(t, inference.IdentityModel(4, 99))
	a.AnalyzeFrame(context.Background(), replay.Body(170, 0))
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if m := a.Metrics(); m.TotalFrames != 0 {
		t.Errorf("metrics not reset: %+v", m)
	}
	if got := a.Config().ML.MaxFrames; got != 4 {
		t.Errorf("max frames = %d, want model sequence length 4", got)
	}
}

func TestDestroy(t *testing.T) {
	a, _ := newSession(t, inference.IdentityModel(4, 99))
	a.AnalyzeFrame(context.Background(), replay.Body(170, 0))
	a.Destroy()
	a.Destroy()

	n := 0
	for range a.Events() {
		n++
	}
	if n != 2 {
		t.Errorf("drained %d events, want feedback and metrics", n)
	}
	if rec := a.AnalyzeFrame(context.Background(), replay.Body(170, 0)); rec != nil {
		t.Error("destroyed analyzer still analyzes")
	}
	if err := a.Initialize(context.Background()); err == nil {
		t.Error("destroyed analyzer re-initialized")
	}
}

func TestEventsDisabled(t *testing.T) {
	a, _ := newSession(t, inference.IdentityModel(4, 99), func(c *config.Exercise) { c.Analyzer.EventBuffer = 0 })
	if a.Events() != nil {
		t.Fatal("events channel should be nil")
	}
	if rec := a.AnalyzeFrame(context.Background(), replay.Body(170, 0)); rec == nil {
		t.Fatal("frame not analyzed")
	}
}

// #endregion lifecycle-tests

// #region analyze-tests
func TestThrottle(t *testing.T) {
	a, clock := newSession(t, inference.IdentityModel(4, 99), func(c *config.Exercise) { c.Analyzer.MinIntervalMS = 100 })

	admitted := 0
	for _, ms := range []int{0, 50, 100, 150, 250} {
		clock.Set(epoch.Add(time.Duration(ms) * time.Millisecond))
		if a.AnalyzeFrame(context.Background(), replay.Body(170, 0)) != nil {
			admitted++
		}
	}
	if admitted != 3 {
		t.Errorf("admitted = %d, want 3", admitted)
	}
	m := a.Metrics()
	if m.TotalFrames != 5 || m.AnalyzedFrames != 3 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestSquatSession(t *testing.T) {
	a, clock := newSession(t, inference.IdentityModel(4, 99))
	feed(t, a, clock, replay.SyntheticSquat(replay.DefaultSquatOptions()))

	m := a.Metrics()
	if m.ValidReps != 1 {
		t.Errorf("valid reps = %d", m.ValidReps)
	}
	if m.CorrectFrames != 60 || m.IncorrectFrames != 0 {
		t.Errorf("correct/incorrect = %d/%d", m.CorrectFrames, m.IncorrectFrames)
	}
	if m.Accuracy != 100 {
		t.Errorf("accuracy = %v", m.Accuracy)
	}
	want := 0.7*m.Accuracy + 0.3*m.AvgConfidence*100
	if math.Abs(m.FormQuality-want) > 1e-9 {
		t.Errorf("form quality = %v, want %v", m.FormQuality, want)
	}
	if m.SessionDuration <= 0 {
		t.Errorf("session duration = %v", m.SessionDuration)
	}
}

func TestRecordPolicies(t *testing.T) {
	a, clock := newSession(t, inference.IdentityModel(4, 99))
	results := feed(t, a, clock, replay.SyntheticSquat(replay.DefaultSquatOptions()))

	// The first frames only fill the classifier window.
	if p := results[0].Record.Combined.Policy; p != fusion.ModeHeuristicOnly {
		t.Errorf("first frame policy = %s", p)
	}
	if p := results[10].Record.Combined.Policy; p != fusion.ModeHybrid {
		t.Errorf("full window policy = %s", p)
	}
	rep := false
	for _, r := range results {
		for _, msg := range r.Record.Messages {
			if msg.Text == "Repetition 1 completed" {
				rep = true
			}
		}
	}
	if !rep {
		t.Error("no repetition message")
	}
}

func TestDegradedWithoutValidator(t *testing.T) {
	a, clock := newSession(t, inference.IdentityModel(4, 99), func(c *config.Exercise) { c.Validator.Disabled = true })
	if a.HasValidator() {
		t.Fatal("validator should be disabled")
	}
	results := feed(t, a, clock, replay.SyntheticSquat(replay.SquatOptions{FramesPerPhase: 5}))
	last := results[len(results)-1].Record
	if last.Combined.Policy != fusion.ModeMLOnly || !last.Combined.IsCorrect {
		t.Errorf("decision = %+v", last.Combined)
	}
	if results[0].Record.Combined.Verdict != fusion.VerdictUnknown {
		t.Errorf("first frame verdict = %s", results[0].Record.Combined.Verdict)
	}
}

func TestUnknownExerciseFallsBackToClassifier(t *testing.T) {
	a, _ := newSession(t, inference.IdentityModel(4, 99), func(c *config.Exercise) { c.Validator.Exercise = "deadlift" })
	if a.HasValidator() {
		t.Error("unknown exercise should leave the validator unset")
	}
}

func TestMLVeto(t *testing.T) {
	a, clock := newSession(t, badModel())
	results := feed(t, a, clock, replay.SyntheticSquat(replay.SquatOptions{FramesPerPhase: 5}))

	last := results[len(results)-1].Record.Combined
	if last.Verdict != fusion.VerdictIncorrect {
		t.Fatalf("verdict = %s", last.Verdict)
	}
	if last.Rationale != fusion.RationaleDisagreementML {
		t.Errorf("rationale = %s", last.Rationale)
	}
	if len(last.Vetoes) != 1 || last.Vetoes[0].Source != fusion.SourceML {
		t.Errorf("vetoes = %+v", last.Vetoes)
	}
	if m := a.Metrics(); m.Accuracy != 0 {
		t.Errorf("accuracy = %v", m.Accuracy)
	}
}

// #endregion analyze-tests

// #region calibration-tests
func TestHeightCalibration(t *testing.T) {
	a, clock := newSession(t, inference.IdentityModel(4, 99), config.WithUserHeight(175))
	frame := replay.Body(170, 0)

	top, bottom := math.Inf(1), math.Inf(-1)
	for _, i := range pose.HeadRegion {
		top = math.Min(top, frame[i].Y)
	}
	for _, i := range pose.FootRegion {
		bottom = math.Max(bottom, frame[i].Y)
	}
	want := 175 / (bottom - top)

	for i := 0; i < 3; i++ {
		clock.Set(epoch.Add(time.Duration(i) * time.Second))
		a.AnalyzeFrame(context.Background(), frame)
	}
	if got := a.Metrics().ScaleCMPerUnit; math.Abs(got-want) > 1e-9 {
		t.Fatalf("scale = %v, want %v", got, want)
	}

	a.Reset()
	if got := a.Metrics().ScaleCMPerUnit; math.Abs(got-want) > 1e-9 {
		t.Errorf("scale after reset = %v", got)
	}
}

func TestCalibrationIgnoresCroppedBody(t *testing.T) {
	a, _ := newSession(t, inference.IdentityModel(4, 99), config.WithUserHeight(175))
	frame := replay.Body(170, 0)
	for _, i := range pose.FootRegion {
		frame[i].Visibility = 0.1
	}
	a.AnalyzeFrame(context.Background(), frame)
	if got := a.Metrics().ScaleCMPerUnit; got != 0 {
		t.Errorf("scale = %v, want uncalibrated", got)
	}
}

// #endregion calibration-tests

// #region report-tests
func TestResetAndReport(t *testing.T) {
	a, clock := newSession(t, inference.IdentityModel(4, 99))
	feed(t, a, clock, replay.SyntheticSquat(replay.DefaultSquatOptions()))

	r, err := a.ExportReport()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if r.Exercise != "squat" || r.Metrics.ValidReps != 1 {
		t.Errorf("report = %+v", r)
	}
	if r.Classifier == nil || r.Classifier.Count == 0 {
		t.Error("report lacks classifier statistics")
	}
	if r.Validator == nil || r.Validator.ValidReps != 1 {
		t.Errorf("validator snapshot = %+v", r.Validator)
	}
	// fusion keeps a bounded history
	if r.Fusion.Records != fusion.DefaultConfig().MaxHistory {
		t.Errorf("fusion records = %d", r.Fusion.Records)
	}

	a.Reset()
	m := a.Metrics()
	if m.TotalFrames != 0 || m.ValidReps != 0 || m.CorrectFrames != 0 {
		t.Errorf("metrics after reset = %+v", m)
	}
	r, err = a.ExportReport()
	if err != nil {
		t.Fatalf("export after reset: %v", err)
	}
	if r.Fusion.Records != 0 || r.Validator.ValidReps != 0 {
		t.Errorf("report after reset = %+v", r)
	}
}

func TestAutoCalibrateNeedsHistory(t *testing.T) {
	a, clock := newSession(t, inference.IdentityModel(4, 99))
	feed(t, a, clock, replay.SyntheticSquat(replay.SquatOptions{FramesPerPhase: 4}))
	if _, err := a.AutoCalibrate(); !errors.Is(err, classifier.ErrInsufficientHistory) {
		t.Errorf("err = %v", err)
	}
}

// #endregion report-tests
