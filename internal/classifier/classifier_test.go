package classifier

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/formcheck/internal/inference"
	"github.com/danielpatrickdp/formcheck/internal/pose"
)

// #region fakes
// fakeSession reconstructs its input shifted by offset, so every element of every
// frame (padding included) contributes offset² to the error.
type fakeSession struct {
	seq, width int
	offset     float32
	err        error
	panicMsg   string
	started    chan struct{}
	block      chan struct{}
	calls      int
	last       inference.Tensor
}

func (s *fakeSession) SequenceLength() int { return s.seq }
func (s *fakeSession) FeatureWidth() int   { return s.width }
func (s *fakeSession) Close() error        { return nil }

func (s *fakeSession) Run(_ context.Context, in inference.Tensor) (map[string]inference.Tensor, error) {
	s.calls++
	s.last = in
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.err != nil {
		return nil, s.err
	}
	out := make([]float32, len(in.Data))
	for i, v := range in.Data {
		out[i] = v + s.offset
	}
	return map[string]inference.Tensor{"reconstruction": {Shape: in.Shape, Data: out}}, nil
}

type fakeRuntime struct {
	sess *fakeSession
	err  error
}

func (r *fakeRuntime) Open(context.Context, inference.Artifact) (inference.Session, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.sess, nil
}

func makeFrame(v float64) pose.Frame {
	f := make(pose.Frame, pose.NumLandmarks)
	for i := range f {
		f[i] = pose.Landmark{X: v, Y: v, Z: -v, Visibility: 1}
	}
	return f
}

func loaded(t *testing.T, cfg Config, sess *fakeSession) *Classifier {
	t.Helper()
	c := New(cfg, &fakeRuntime{sess: sess}, inference.FetchOptions{})
	if err := c.LoadArtifact(context.Background(), inference.Artifact{Name: "fake"}); err != nil {
		t.Fatalf("load: %v", err)
	}
	return c
}

// #endregion fakes

// #region load-tests
func TestAnalyzeFrame_UnavailableBeforeLoad(t *testing.T) {
	c := New(DefaultConfig(), &fakeRuntime{}, inference.FetchOptions{})
	if got := c.AnalyzeFrame(context.Background(), makeFrame(0.5)); got.Status != StatusUnavailable {
		t.Fatalf("expected unavailable, got %s", got.Status)
	}
}

func TestLoad_AlignsConfigToModel(t *testing.T) {
	cfg := Config{MaxFrames: 30, MinFrames: 10, PredictionInterval: 12, Threshold: 0.1, MaxHistorySize: 5}
	c := loaded(t, cfg, &fakeSession{seq: 8, width: 12})

	got := c.Config()
	if got.MaxFrames != 8 {
		t.Errorf("max_frames: got %d, want 8", got.MaxFrames)
	}
	if got.MinFrames != 8 {
		t.Errorf("min_frames: got %d, want 8", got.MinFrames)
	}
	if got.PredictionInterval != 8 {
		t.Errorf("prediction_interval: got %d, want 8", got.PredictionInterval)
	}
	if got.MaxHistorySize != MinCalibrationSamples {
		t.Errorf("max_history_size: got %d, want %d", got.MaxHistorySize, MinCalibrationSamples)
	}
	if got.FeatureWidth != 12 {
		t.Errorf("feature_width: got %d, want 12", got.FeatureWidth)
	}
}

func TestNormalize_IntervalDividesMaxFrames(t *testing.T) {
	tests := []struct {
		maxFrames, interval, want int
	}{
		{30, 4, 3},
		{30, 5, 5},
		{30, 7, 6},
		{7, 3, 1},
		{8, 8, 8},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.MaxFrames, cfg.MinFrames, cfg.PredictionInterval = tt.maxFrames, 1, tt.interval
		if got := Normalize(cfg).PredictionInterval; got != tt.want {
			t.Errorf("max_frames=%d interval=%d: got %d, want %d", tt.maxFrames, tt.interval, got, tt.want)
		}
	}
}

func TestAnalyzeFrame_KeepsPredictingOnFullBuffer(t *testing.T) {
	sess := &fakeSession{seq: 30, width: 99}
	c := loaded(t, Config{MaxFrames: 30, MinFrames: 10, PredictionInterval: 4, Threshold: 0.05, MaxHistorySize: 50}, sess)
	if got := c.Config().PredictionInterval; got != 3 {
		t.Fatalf("prediction_interval: got %d, want 3", got)
	}

	decided, last := 0, 0
	for i := 1; i <= 200; i++ {
		if c.AnalyzeFrame(context.Background(), makeFrame(0.1)).Decided() {
			decided++
			last = i
		}
	}
	// lengths 12..30 step 3 while filling, then every frame once full
	if want := 7 + 170; decided != want {
		t.Fatalf("decided %d frames, want %d", decided, want)
	}
	if last != 200 {
		t.Fatalf("last decision at frame %d, want 200", last)
	}
}

func TestLoad_FailuresWrapErrLoad(t *testing.T) {
	openErr := errors.New("corrupt weights")
	c := New(DefaultConfig(), &fakeRuntime{err: openErr}, inference.FetchOptions{})

	err := c.LoadArtifact(context.Background(), inference.Artifact{Name: "bad"})
	if !errors.Is(err, ErrLoad) || !errors.Is(err, openErr) {
		t.Fatalf("expected ErrLoad wrapping runtime error, got %v", err)
	}

	err = c.LoadModel(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, ErrLoad) {
		t.Fatalf("expected ErrLoad for missing file, got %v", err)
	}
	if c.Loaded() {
		t.Fatal("classifier must stay unloaded")
	}
}

// #endregion load-tests

// #region gating-tests
func TestAnalyzeFrame_GatesInference(t *testing.T) {
	sess := &fakeSession{seq: 12, width: 99}
	c := loaded(t, Config{MaxFrames: 12, MinFrames: 4, PredictionInterval: 3, Threshold: 0.05, MaxHistorySize: 50}, sess)

	var statuses []Status
	for i := 0; i < 7; i++ {
		statuses = append(statuses, c.AnalyzeFrame(context.Background(), makeFrame(0.1)).Status)
	}
	// inference only at buffer lengths 6 (>=4 and %3==0)
	want := []Status{StatusProcessing, StatusProcessing, StatusProcessing, StatusProcessing, StatusProcessing, StatusCorrect, StatusProcessing}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("frame %d: got %s, want %s (all: %v)", i+1, statuses[i], want[i], statuses)
		}
	}
	if sess.calls != 1 {
		t.Fatalf("expected 1 inference call, got %d", sess.calls)
	}
}

func TestAnalyzeFrame_ProcessingCarriesProgress(t *testing.T) {
	c := loaded(t, Config{MaxFrames: 10, MinFrames: 5, PredictionInterval: 5, Threshold: 0.05, MaxHistorySize: 50}, &fakeSession{seq: 10, width: 99})
	c.AnalyzeFrame(context.Background(), makeFrame(0.1))
	res := c.AnalyzeFrame(context.Background(), makeFrame(0.1))
	if res.Status != StatusProcessing || res.BufferLength != 2 || res.RequiredFrames != 5 {
		t.Fatalf("unexpected progress result %+v", res)
	}
}

func TestAnalyzeFrame_EmptyFrameWaits(t *testing.T) {
	c := loaded(t, DefaultConfig(), &fakeSession{seq: 30, width: 99})
	if got := c.AnalyzeFrame(context.Background(), nil); got.Status != StatusWaiting {
		t.Fatalf("expected waiting, got %s", got.Status)
	}
	if c.BufferLength() != 0 {
		t.Fatal("empty frame must not be buffered")
	}
}

func TestAnalyzeFrame_BufferBounds(t *testing.T) {
	cfg := Config{MaxFrames: 6, MinFrames: 2, PredictionInterval: 1, Threshold: 0.05, MaxHistorySize: 25}
	c := loaded(t, cfg, &fakeSession{seq: 6, width: 99, offset: 0.01})
	for i := 0; i < 200; i++ {
		c.AnalyzeFrame(context.Background(), makeFrame(float64(i%7)/10))
		if c.BufferLength() > 6 {
			t.Fatalf("frame %d: buffer length %d exceeds max", i, c.BufferLength())
		}
		if c.HistoryLength() > 25 {
			t.Fatalf("frame %d: history length %d exceeds max", i, c.HistoryLength())
		}
	}
	if c.HistoryLength() != 25 {
		t.Fatalf("expected full history, got %d", c.HistoryLength())
	}
}

// #endregion gating-tests

// #region error-tests
func TestAnalyzeFrame_ReconstructionErrorIsPerFrameMean(t *testing.T) {
	// offset 0.1 on every element: each frame's MSE is 0.01, padded frames included.
	c := loaded(t, Config{MaxFrames: 4, MinFrames: 2, PredictionInterval: 2, Threshold: 0.05, MaxHistorySize: 50},
		&fakeSession{seq: 4, width: 99, offset: 0.1})
	c.AnalyzeFrame(context.Background(), makeFrame(0.3))
	res := c.AnalyzeFrame(context.Background(), makeFrame(0.3))
	if !res.Decided() {
		t.Fatalf("expected a decision, got %s", res.Status)
	}
	if math.Abs(res.ReconstructionError-0.01) > 1e-6 {
		t.Fatalf("reconstruction error: got %f, want 0.01", res.ReconstructionError)
	}
	if res.Details.PaddedFrames != 2 || res.Details.FramesAnalyzed != 2 {
		t.Fatalf("unexpected details %+v", res.Details)
	}
}

func TestMeanFrameMSE(t *testing.T) {
	input := [][]float32{{1, 1}, {0, 0}, {2, 0}}
	recon := [][]float32{{0, 0}, {0, 0}, {0, 0}}
	// per-frame: 1, 0, 2 -> mean 1
	if got := MeanFrameMSE(input, recon); math.Abs(got-1) > 1e-9 {
		t.Fatalf("got %f, want 1", got)
	}
}

func TestAnalyzeFrame_InferenceFailuresAreResults(t *testing.T) {
	tests := []struct {
		name string
		sess *fakeSession
	}{
		{"error", &fakeSession{seq: 1, width: 99, err: errors.New("runtime exploded")}},
		{"panic", &fakeSession{seq: 1, width: 99, panicMsg: "index out of range"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := loaded(t, Config{MaxFrames: 1, MinFrames: 1, PredictionInterval: 1, Threshold: 0.05, MaxHistorySize: 20}, tt.sess)
			res := c.AnalyzeFrame(context.Background(), makeFrame(0.2))
			if res.Status != StatusError || res.Error == "" {
				t.Fatalf("expected error result, got %+v", res)
			}
			if c.HistoryLength() != 0 {
				t.Fatal("failed inference must not enter the history")
			}
		})
	}
}

func TestAnalyzeFrame_ResetDiscardsInFlightResult(t *testing.T) {
	sess := &fakeSession{seq: 2, width: 99, started: make(chan struct{}), block: make(chan struct{})}
	c := loaded(t, Config{MaxFrames: 2, MinFrames: 1, PredictionInterval: 1, Threshold: 0.05, MaxHistorySize: 20}, sess)

	done := make(chan Result)
	go func() {
		done <- c.AnalyzeFrame(context.Background(), makeFrame(0.4))
	}()
	<-sess.started
	c.Reset()
	close(sess.block)

	res := <-done
	if res.Status != StatusWaiting {
		t.Fatalf("expected stale result to be discarded, got %s", res.Status)
	}
	if c.HistoryLength() != 0 {
		t.Fatal("stale error leaked into history")
	}
}

func TestAnalyzeFrame_BuffersDuringInference(t *testing.T) {
	sess := &fakeSession{seq: 4, width: 99, started: make(chan struct{}, 2), block: make(chan struct{})}
	c := loaded(t, Config{MaxFrames: 4, MinFrames: 2, PredictionInterval: 2, Threshold: 0.05, MaxHistorySize: 20}, sess)

	c.AnalyzeFrame(context.Background(), makeFrame(0.1))
	done := make(chan Result)
	go func() {
		done <- c.AnalyzeFrame(context.Background(), makeFrame(0.2))
	}()
	<-sess.started

	res := c.AnalyzeFrame(context.Background(), makeFrame(0.3))
	if res.Status != StatusProcessing || res.BufferLength != 3 {
		t.Fatalf("frame during inference: got %+v", res)
	}
	close(sess.block)
	if res := <-done; !res.Decided() {
		t.Fatalf("in-flight result: got %s", res.Status)
	}

	res = c.AnalyzeFrame(context.Background(), makeFrame(0.4))
	if !res.Decided() {
		t.Fatalf("next prediction: got %s", res.Status)
	}
	// window is [0.1, 0.2, 0.3, 0.4]; the third frame starts at 2*width
	if got := sess.last.Data[2*99]; math.Abs(float64(got)-0.3) > 1e-6 {
		t.Fatalf("frame buffered during inference missing from window: got %v", got)
	}
	if sess.calls != 2 {
		t.Fatalf("expected 2 inference calls, got %d", sess.calls)
	}
}

// #endregion error-tests

// #region decide-tests
func TestDecide_ThresholdBoundary(t *testing.T) {
	const threshold = 0.05
	tests := []struct {
		name        string
		err         float64
		wantCorrect bool
		wantQuality float64
	}{
		{"below", 0.01, true, 1},
		{"equal", threshold, true, 1},
		{"midway", threshold * 1.05, false, 0.5},
		{"at-tolerance", threshold * ToleranceMultiplier, false, 0},
		{"beyond", threshold * 3, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Decide(tt.err, threshold)
			if res.IsCorrect != tt.wantCorrect {
				t.Errorf("is_correct: got %v, want %v", res.IsCorrect, tt.wantCorrect)
			}
			if math.Abs(res.QualityScore-tt.wantQuality) > 1e-6 {
				t.Errorf("quality: got %f, want %f", res.QualityScore, tt.wantQuality)
			}
			if res.Confidence != res.QualityScore {
				t.Errorf("confidence %f should equal quality %f", res.Confidence, res.QualityScore)
			}
		})
	}
}

// #endregion decide-tests

// #region calibration-tests
func TestAutoCalibrate_Percentile(t *testing.T) {
	c := New(DefaultConfig(), nil, inference.FetchOptions{})
	vals := make([]float64, 100)
	for i := range vals {
		vals[i] = float64(i) / 100
	}
	rand.New(rand.NewSource(7)).Shuffle(len(vals), func(i, j int) { vals[i], vals[j] = vals[j], vals[i] })
	c.errors = vals

	got, err := c.AutoCalibrate()
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if got != 0.95 {
		t.Fatalf("expected sorted[95]=0.95, got %f", got)
	}
	if c.Config().Threshold != 0.95 {
		t.Fatalf("threshold not updated: %f", c.Config().Threshold)
	}
}

func TestAutoCalibrate_NeedsHistory(t *testing.T) {
	c := New(DefaultConfig(), nil, inference.FetchOptions{})
	c.errors = make([]float64, MinCalibrationSamples-1)
	if _, err := c.AutoCalibrate(); !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("expected ErrInsufficientHistory, got %v", err)
	}
	if c.Config().Threshold != DefaultConfig().Threshold {
		t.Fatal("threshold must not change")
	}
}

func TestStatistics(t *testing.T) {
	c := New(DefaultConfig(), nil, inference.FetchOptions{})
	if _, ok := c.Statistics(); ok {
		t.Fatal("expected no statistics on empty history")
	}
	c.errors = []float64{0.4, 0.1, 0.3, 0.2}
	stats, ok := c.Statistics()
	if !ok {
		t.Fatal("expected statistics")
	}
	if stats.Count != 4 || stats.Min != 0.1 || stats.Max != 0.4 || stats.Median != 0.3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if math.Abs(stats.Mean-0.25) > 1e-9 {
		t.Fatalf("mean: got %f", stats.Mean)
	}
}

// #endregion calibration-tests

// #region feature-tests
func TestExtractFeatures(t *testing.T) {
	frame := pose.Frame{{X: 0.1, Y: 0.2, Z: -0.3}, {X: 1.4, Y: -0.5, Z: 0.6}}

	padded := ExtractFeatures(frame, 9)
	want := []float32{0.1, 0.2, -0.3, 1.4, -0.5, 0.6, 0, 0, 0}
	for i := range want {
		if padded[i] != want[i] {
			t.Fatalf("padded[%d]: got %f, want %f", i, padded[i], want[i])
		}
	}

	truncated := ExtractFeatures(frame, 4)
	if len(truncated) != 4 || truncated[3] != float32(1.4) {
		t.Fatalf("unexpected truncation %v", truncated)
	}
}

// #endregion feature-tests
