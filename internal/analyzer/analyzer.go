package analyzer

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"github.com/danielpatrickdp/formcheck/internal/classifier"
	"github.com/danielpatrickdp/formcheck/internal/config"
	"github.com/danielpatrickdp/formcheck/internal/fusion"
	"github.com/danielpatrickdp/formcheck/internal/inference"
	"github.com/danielpatrickdp/formcheck/internal/pose"
	"github.com/danielpatrickdp/formcheck/internal/validator"
)

// #region analyzer
// Analyzer owns one exercise session: the classifier, the validator and the fusion engine.
// Frames of one session are expected in order; the classifier's inference runs outside
// the analyzer lock so a slow model does not stall calibration or throttling.
type Analyzer struct {
	mu   sync.Mutex
	opts Options
	cfg  config.Exercise
	now  func() time.Time

	clf     *classifier.Classifier
	val     *validator.Validator
	fus     *fusion.Engine
	closer  io.Closer
	ready   bool
	closed  bool
	events  chan Event
	frames  int
	last    time.Time
	metrics Metrics
	confSum float64
	scores  []float64
	scale   float64
}

// New creates an analyzer. Call Initialize before feeding frames.
func New(opts Options) *Analyzer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Registry == nil {
		opts.Registry = validator.DefaultRegistry()
	}
	a := &Analyzer{opts: opts, cfg: opts.Config, now: opts.Now}
	if opts.Config.Analyzer.EventBuffer > 0 {
		a.events = make(chan Event, opts.Config.Analyzer.EventBuffer)
	}
	return a
}

// Events returns the push channel, or nil when Config.Analyzer.EventBuffer is 0.
// Sends never block; events are dropped while the buffer is full. Destroy closes it.
func (a *Analyzer) Events() <-chan Event {
	return a.events
}

// #endregion analyzer

// #region initialize
// Initialize loads the model, builds the validator and the fusion engine. A model load
// failure is returned and reported as an error event; a validator that cannot be built
// is logged and the session continues on the classifier alone.
func (a *Analyzer) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("initialize: analyzer destroyed")
	}
	if a.clf != nil {
		if err := a.clf.Close(); err != nil {
			log.Printf("[ANLZ] closing previous classifier: %v", err)
		}
		a.clf, a.ready = nil, false
	}
	a.closeRuntimeLocked()

	rt := a.opts.Runtime
	if rt == nil {
		if a.cfg.InferenceAddr != "" {
			remote, err := inference.NewRemoteRuntime(a.cfg.InferenceAddr)
			if err != nil {
				a.emitLocked(Event{Kind: EventError, Err: err.Error()})
				return fmt.Errorf("initialize: %w", err)
			}
			a.closer = remote
			rt = remote
		} else {
			rt = inference.NewLinearRuntime()
		}
	}

	clf := classifier.New(a.cfg.ML, rt, inference.FetchOptions{
		ExternalDataPath: a.cfg.ExternalDataPath,
		Client:           a.opts.HTTPClient,
	})
	if err := clf.LoadModel(ctx, a.cfg.ModelPath); err != nil {
		log.Printf("[ANLZ] %s: model load failed: %v", a.cfg.ExerciseType, err)
		a.emitLocked(Event{Kind: EventError, Err: err.Error()})
		a.closeRuntimeLocked()
		return fmt.Errorf("initialize: %w", err)
	}
	a.clf = clf
	a.cfg.ML = clf.Config()

	a.val = nil
	if vcfg, ok, err := a.cfg.ValidatorConfig(a.opts.Registry); err != nil {
		log.Printf("[ANLZ] %s: validator unavailable, continuing with classifier only: %v", a.cfg.ExerciseType, err)
	} else if ok {
		v, err := validator.New(vcfg)
		if err != nil {
			log.Printf("[ANLZ] %s: validator rejected, continuing with classifier only: %v", a.cfg.ExerciseType, err)
		} else {
			a.val = v
			if a.scale > 0 {
				v.SetScale(a.scale)
			}
		}
	}

	a.fus = fusion.New(a.cfg.Fusion)
	a.resetMetricsLocked()
	a.ready = true
	log.Printf("[ANLZ] %s ready: validator=%v fusion=%s interval=%s",
		a.cfg.ExerciseType, a.val != nil, a.fus.Config().Mode, a.cfg.Analyzer.MinInterval())
	return nil
}

// #endregion initialize

// #region analyze
// AnalyzeFrame feeds one frame. Calibration sees every frame; full analysis runs at most
// once per MinInterval and returns nil for throttled frames or before Initialize.
func (a *Analyzer) AnalyzeFrame(ctx context.Context, frame pose.Frame) *fusion.Record {
	a.mu.Lock()
	if !a.ready {
		a.mu.Unlock()
		return nil
	}
	now := a.now()
	index := a.frames
	a.frames++
	a.metrics.TotalFrames++
	a.updateCalibrationLocked(frame)
	if !a.last.IsZero() && now.Sub(a.last) < a.cfg.Analyzer.MinInterval() {
		a.mu.Unlock()
		return nil
	}
	a.last = now
	clf := a.clf
	a.mu.Unlock()

	ml := clf.AnalyzeFrame(ctx, frame)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ready {
		return nil
	}
	var h *validator.Result
	if a.val != nil {
		r := a.val.Validate(frame, index)
		h = &r
	}
	rec := a.fus.Integrate(&ml, h)
	a.updateMetricsLocked(rec)

	a.emitLocked(Event{Kind: EventFeedback, Record: &rec})
	m := a.metricsLocked()
	a.emitLocked(Event{Kind: EventMetrics, Metrics: &m})
	return &rec
}

// #endregion analyze

// #region metrics
func (a *Analyzer) updateMetricsLocked(rec fusion.Record) {
	a.metrics.AnalyzedFrames++
	if rec.Heuristic.Available || rec.Heuristic.ValidReps > 0 {
		a.metrics.ValidReps = rec.Heuristic.ValidReps
	}
	d := rec.Combined
	if d.Verdict == fusion.VerdictUnknown {
		return
	}

	if d.IsCorrect {
		a.metrics.CorrectFrames++
	} else {
		a.metrics.IncorrectFrames++
	}
	decided := a.metrics.CorrectFrames + a.metrics.IncorrectFrames
	a.confSum += d.Confidence
	a.metrics.AvgConfidence = a.confSum / float64(decided)

	score := 0.0
	switch {
	case rec.ML.Available:
		score = rec.ML.QualityScore * 100
	case d.IsCorrect:
		score = 100
	}
	a.scores = append(a.scores, score)
	if len(a.scores) > scoreWindow {
		a.scores = a.scores[len(a.scores)-scoreWindow:]
	}
	sum := 0.0
	for _, s := range a.scores {
		sum += s
	}
	a.metrics.Accuracy = sum / float64(len(a.scores))
	a.metrics.FormQuality = 0.7*a.metrics.Accuracy + 0.3*a.metrics.AvgConfidence*100
}

// Metrics returns a snapshot of the rolling session metrics.
func (a *Analyzer) Metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metricsLocked()
}

func (a *Analyzer) metricsLocked() Metrics {
	m := a.metrics
	m.ScaleCMPerUnit = a.scale
	if !m.SessionStart.IsZero() {
		m.SessionDuration = a.now().Sub(m.SessionStart)
	}
	return m
}

func (a *Analyzer) resetMetricsLocked() {
	a.metrics = Metrics{SessionStart: a.now()}
	a.confSum = 0
	a.scores = nil
	a.frames = 0
	a.last = time.Time{}
}

// #endregion metrics

// #region calibration
// updateCalibrationLocked estimates centimeters per normalized unit from the vertical
// span between the highest visible head landmark and the lowest visible foot landmark.
func (a *Analyzer) updateCalibrationLocked(frame pose.Frame) {
	cal := a.cfg.Calibration
	if cal.Mode != config.CalibrationHeight || cal.UserHeightCM <= 0 {
		return
	}
	top, bottom := math.Inf(1), math.Inf(-1)
	for _, i := range pose.HeadRegion {
		if lm, ok := frame.At(i); ok && lm.Visibility >= cal.VisibilityThreshold {
			top = math.Min(top, lm.Y)
		}
	}
	for _, i := range pose.FootRegion {
		if lm, ok := frame.At(i); ok && lm.Visibility >= cal.VisibilityThreshold {
			bottom = math.Max(bottom, lm.Y)
		}
	}
	if math.IsInf(top, 0) || math.IsInf(bottom, 0) {
		return
	}
	span := bottom - top
	if span < cal.MinBodyRatio {
		return
	}
	raw := cal.UserHeightCM / span
	if a.scale == 0 {
		a.scale = raw
	} else {
		a.scale += cal.Smoothing * (raw - a.scale)
	}
	if a.val != nil {
		a.val.SetScale(a.scale)
	}
}

// #endregion calibration

// #region lifecycle
// AutoCalibrate recomputes the classifier threshold from its error history.
func (a *Analyzer) AutoCalibrate() (float64, error) {
	a.mu.Lock()
	clf := a.clf
	a.mu.Unlock()
	if clf == nil {
		return 0, ErrNotInitialized
	}
	return clf.AutoCalibrate()
}

// Reset clears every component and the rolling metrics. The body scale is kept.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.clf != nil {
		a.clf.Reset()
	}
	if a.val != nil {
		a.val.Reset()
	}
	if a.fus != nil {
		a.fus.Reset()
	}
	a.resetMetricsLocked()
	log.Printf("[ANLZ] %s: session reset", a.cfg.ExerciseType)
}

// Destroy releases the model session and closes the events channel. The analyzer
// cannot be reused afterwards.
func (a *Analyzer) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.clf != nil {
		if err := a.clf.Close(); err != nil {
			log.Printf("[ANLZ] closing classifier: %v", err)
		}
	}
	a.closeRuntimeLocked()
	a.clf, a.val, a.fus = nil, nil, nil
	a.ready = false
	a.closed = true
	if a.events != nil {
		close(a.events)
	}
}

func (a *Analyzer) closeRuntimeLocked() {
	if a.closer == nil {
		return
	}
	if err := a.closer.Close(); err != nil {
		log.Printf("[ANLZ] closing inference runtime: %v", err)
	}
	a.closer = nil
}

// emitLocked performs a non-blocking send.
func (a *Analyzer) emitLocked(ev Event) {
	if a.events == nil || a.closed {
		return
	}
	ev.At = a.now()
	select {
	case a.events <- ev:
	default:
	}
}

// #endregion lifecycle

// #region report
// ExportReport assembles the session document for persistence.
func (a *Analyzer) ExportReport() (Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ready {
		return Report{}, ErrNotInitialized
	}
	m := a.metricsLocked()
	r := Report{
		Exercise:  a.cfg.ExerciseType,
		Timestamp: a.now(),
		Duration:  m.SessionDuration,
		Metrics:   m,
		Config:    a.cfg,
		Fusion:    a.fus.Statistics(),
	}
	if stats, ok := a.clf.Statistics(); ok {
		r.Classifier = &stats
	}
	if a.val != nil {
		s := a.val.Snapshot()
		r.Validator = &s
	}
	return r, nil
}

// Config returns the resolved configuration, with classifier fields aligned to the model.
func (a *Analyzer) Config() config.Exercise {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// HasValidator reports whether a heuristic validator is active.
func (a *Analyzer) HasValidator() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.val != nil
}

// #endregion report
