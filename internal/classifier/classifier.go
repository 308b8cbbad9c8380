package classifier

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"

	"github.com/danielpatrickdp/formcheck/internal/inference"
	"github.com/danielpatrickdp/formcheck/internal/pose"
)

// #region classifier-struct
// Classifier scores a sliding window of pose frames against a reconstruction model.
// Frames are buffered under a mutex while inference runs on a snapshot, so callers
// may keep feeding frames during a slow prediction.
type Classifier struct {
	mu         sync.Mutex
	cfg        Config
	runtime    inference.Runtime
	fetch      inference.FetchOptions
	session    inference.Session
	buffer     [][]float32
	errors     []float64
	generation uint64
}

// #endregion classifier-struct

// #region constructor
// New creates a classifier. No model is loaded yet; AnalyzeFrame reports
// StatusUnavailable until LoadModel succeeds.
func New(cfg Config, rt inference.Runtime, fetch inference.FetchOptions) *Classifier {
	return &Classifier{
		cfg:     Normalize(cfg),
		runtime: rt,
		fetch:   fetch,
	}
}

// #endregion constructor

// #region load
// LoadModel fetches the model at path (file or URL) and opens an inference session.
// Failures wrap ErrLoad and leave any previously loaded model in place.
func (c *Classifier) LoadModel(ctx context.Context, path string) error {
	art, err := inference.Fetch(ctx, path, c.fetch)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoad, err)
	}
	return c.LoadArtifact(ctx, art)
}

// LoadArtifact opens a session for an already fetched artifact and aligns the window
// configuration to the model's declared input shape.
func (c *Classifier) LoadArtifact(ctx context.Context, art inference.Artifact) error {
	if c.runtime == nil {
		return fmt.Errorf("%w: no inference runtime configured", ErrLoad)
	}
	sess, err := c.runtime.Open(ctx, art)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoad, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		if err := c.session.Close(); err != nil {
			log.Printf("[CLSF] closing previous session: %v", err)
		}
	}
	c.session = sess
	c.cfg = align(c.cfg, sess.SequenceLength(), sess.FeatureWidth())
	c.buffer = nil
	c.generation++

	log.Printf("[CLSF] model %s loaded: max_frames=%d min_frames=%d interval=%d width=%d threshold=%.5f",
		art.Name, c.cfg.MaxFrames, c.cfg.MinFrames, c.cfg.PredictionInterval, c.cfg.FeatureWidth, c.cfg.Threshold)
	return nil
}

// #endregion load

// #region config-invariants
// Normalize clamps a configuration into its documented invariants, logging every correction.
func Normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxFrames <= 0 {
		log.Printf("[CLSF] max_frames %d invalid, using %d", cfg.MaxFrames, def.MaxFrames)
		cfg.MaxFrames = def.MaxFrames
	}
	if cfg.FeatureWidth <= 0 {
		cfg.FeatureWidth = def.FeatureWidth
	}
	if cfg.MinFrames < 1 || cfg.MinFrames > cfg.MaxFrames {
		clamped := clampInt(cfg.MinFrames, 1, cfg.MaxFrames)
		log.Printf("[CLSF] min_frames %d outside [1,%d], clamped to %d", cfg.MinFrames, cfg.MaxFrames, clamped)
		cfg.MinFrames = clamped
	}
	if cfg.PredictionInterval < 1 || cfg.PredictionInterval > cfg.MaxFrames {
		clamped := clampInt(cfg.PredictionInterval, 1, cfg.MaxFrames)
		log.Printf("[CLSF] prediction_interval %d outside [1,%d], clamped to %d", cfg.PredictionInterval, cfg.MaxFrames, clamped)
		cfg.PredictionInterval = clamped
	}
	// a full buffer stays at MaxFrames, so the interval must divide it
	if cfg.MaxFrames%cfg.PredictionInterval != 0 {
		d := largestDivisor(cfg.MaxFrames, cfg.PredictionInterval)
		log.Printf("[CLSF] prediction_interval %d does not divide max_frames %d, lowered to %d", cfg.PredictionInterval, cfg.MaxFrames, d)
		cfg.PredictionInterval = d
	}
	if cfg.MaxHistorySize < MinCalibrationSamples {
		log.Printf("[CLSF] max_history_size %d below calibration minimum, raised to %d", cfg.MaxHistorySize, MinCalibrationSamples)
		cfg.MaxHistorySize = MinCalibrationSamples
	}
	if !(cfg.Threshold > 0) || math.IsInf(cfg.Threshold, 0) {
		log.Printf("[CLSF] threshold %v invalid, using %v", cfg.Threshold, def.Threshold)
		cfg.Threshold = def.Threshold
	}
	return cfg
}

func align(cfg Config, seq, width int) Config {
	if seq > 0 && cfg.MaxFrames != seq {
		log.Printf("[CLSF] max_frames %d does not match model sequence length %d, aligning", cfg.MaxFrames, seq)
		cfg.MaxFrames = seq
	}
	if width > 0 {
		cfg.FeatureWidth = width
	}
	return Normalize(cfg)
}

// largestDivisor returns the largest divisor of n that is at most limit.
func largestDivisor(n, limit int) int {
	for d := limit; d > 1; d-- {
		if n%d == 0 {
			return d
		}
	}
	return 1
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// #endregion config-invariants

// #region features
// ExtractFeatures flattens (x, y, z) per landmark in index order, zero-padded or
// truncated to width. Coordinates are passed through unclamped.
func ExtractFeatures(frame pose.Frame, width int) []float32 {
	out := make([]float32, width)
	for i, lm := range frame {
		base := i * 3
		if base >= width {
			break
		}
		vals := [3]float64{lm.X, lm.Y, lm.Z}
		for k := 0; k < 3 && base+k < width; k++ {
			out[base+k] = float32(vals[k])
		}
	}
	return out
}

// #endregion features

// #region analyze
// AnalyzeFrame buffers the frame and, when the window is eligible, runs inference.
// It never returns an error: failures surface as StatusError results.
func (c *Classifier) AnalyzeFrame(ctx context.Context, frame pose.Frame) Result {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return Result{Status: StatusUnavailable}
	}
	cfg := c.cfg
	if len(frame) == 0 {
		n := len(c.buffer)
		c.mu.Unlock()
		return Result{Status: StatusWaiting, BufferLength: n, RequiredFrames: cfg.MinFrames, Threshold: cfg.Threshold}
	}

	c.buffer = append(c.buffer, ExtractFeatures(frame, cfg.FeatureWidth))
	if len(c.buffer) > cfg.MaxFrames {
		c.buffer = c.buffer[len(c.buffer)-cfg.MaxFrames:]
	}
	n := len(c.buffer)

	if n < cfg.MinFrames || n%cfg.PredictionInterval != 0 {
		c.mu.Unlock()
		return Result{Status: StatusProcessing, BufferLength: n, RequiredFrames: cfg.MinFrames, Threshold: cfg.Threshold}
	}

	window := make([][]float32, cfg.MaxFrames)
	copy(window, c.buffer)
	for i := n; i < cfg.MaxFrames; i++ {
		window[i] = make([]float32, cfg.FeatureWidth)
	}
	sess := c.session
	gen := c.generation
	c.mu.Unlock()

	recErr, err := reconstructionError(ctx, sess, window, cfg.FeatureWidth)
	if err != nil {
		log.Printf("[CLSF] inference failed: %v", err)
		return Result{Status: StatusError, Error: err.Error(), BufferLength: n, RequiredFrames: cfg.MinFrames, Threshold: cfg.Threshold}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		// reset or reload happened while inference was in flight
		return Result{Status: StatusWaiting, BufferLength: len(c.buffer), RequiredFrames: c.cfg.MinFrames, Threshold: c.cfg.Threshold}
	}
	c.recordError(recErr)

	res := Decide(recErr, c.cfg.Threshold)
	res.BufferLength = n
	res.RequiredFrames = cfg.MinFrames
	res.Details.FramesAnalyzed = n
	res.Details.PaddedFrames = cfg.MaxFrames - n
	return res
}

// reconstructionError runs the model and returns the mean of per-frame MSEs. Every
// frame of the window, padding included, carries equal weight.
func reconstructionError(ctx context.Context, sess inference.Session, window [][]float32, width int) (result float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inference panic: %v", r)
		}
	}()

	outs, err := sess.Run(ctx, inference.NewSequenceTensor(window, width))
	if err != nil {
		return 0, err
	}
	out, err := inference.SelectOutput(outs)
	if err != nil {
		return 0, err
	}
	rows, err := out.Frames()
	if err != nil {
		return 0, err
	}
	if len(rows) != len(window) || (len(rows) > 0 && len(rows[0]) != width) {
		return 0, fmt.Errorf("%w: reconstruction %v for window %dx%d", inference.ErrShape, out.Shape, len(window), width)
	}
	return MeanFrameMSE(window, rows), nil
}

// MeanFrameMSE averages the per-frame mean squared error between two equally shaped windows.
func MeanFrameMSE(input, recon [][]float32) float64 {
	if len(input) == 0 {
		return 0
	}
	var total float64
	for i := range input {
		var sum float64
		for j := range input[i] {
			d := float64(input[i][j]) - float64(recon[i][j])
			sum += d * d
		}
		if len(input[i]) > 0 {
			total += sum / float64(len(input[i]))
		}
	}
	return total / float64(len(input))
}

// #endregion analyze

// #region decide
// Decide converts a reconstruction error into a verdict. Errors equal to the threshold
// are correct; quality decays linearly to zero at ToleranceMultiplier × threshold.
func Decide(recErr, threshold float64) Result {
	var ratio float64
	switch {
	case threshold > 0:
		ratio = recErr / threshold
	case recErr <= 0:
		ratio = 0
	default:
		ratio = math.Inf(1)
	}

	quality := 0.0
	switch {
	case ratio <= 1:
		quality = 1
	case ratio < ToleranceMultiplier-1e-9:
		quality = (ToleranceMultiplier - ratio) / (ToleranceMultiplier - 1)
	}
	quality = math.Max(0, math.Min(1, quality))

	isCorrect := recErr <= threshold
	status := StatusIncorrect
	if isCorrect {
		status = StatusCorrect
	}
	return Result{
		Status:              status,
		IsCorrect:           isCorrect,
		Confidence:          quality,
		QualityScore:        quality,
		ReconstructionError: recErr,
		Threshold:           threshold,
		Details:             &Details{Ratio: ratio},
	}
}

// #endregion decide

// #region history
func (c *Classifier) recordError(v float64) {
	c.errors = append(c.errors, v)
	if len(c.errors) > c.cfg.MaxHistorySize {
		c.errors = c.errors[len(c.errors)-c.cfg.MaxHistorySize:]
	}
}

// AutoCalibrate sets the threshold to the 95th percentile of the error history and
// returns it.
func (c *Classifier) AutoCalibrate() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.errors)
	if n < MinCalibrationSamples {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientHistory, n, MinCalibrationSamples)
	}
	sorted := sortedCopy(c.errors)
	threshold := sorted[percentileIndex(n, CalibrationPercentile)]
	log.Printf("[CLSF] auto-calibrated threshold %.6f -> %.6f from %d samples", c.cfg.Threshold, threshold, n)
	c.cfg.Threshold = threshold
	return threshold, nil
}

// Statistics summarizes the error history. ok is false when no errors are recorded.
func (c *Classifier) Statistics() (stats ErrorStatistics, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.errors)
	if n == 0 {
		return ErrorStatistics{}, false
	}
	sorted := sortedCopy(c.errors)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)
	var variance float64
	for _, v := range sorted {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(n)

	return ErrorStatistics{
		Count:     n,
		Mean:      mean,
		StdDev:    math.Sqrt(variance),
		Min:       sorted[0],
		Max:       sorted[n-1],
		Median:    sorted[n/2],
		P95:       sorted[percentileIndex(n, CalibrationPercentile)],
		Threshold: c.cfg.Threshold,
	}, true
}

func sortedCopy(v []float64) []float64 {
	out := append([]float64(nil), v...)
	sort.Float64s(out)
	return out
}

func percentileIndex(n int, p float64) int {
	idx := int(math.Floor(p * float64(n)))
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// #endregion history

// #region lifecycle
// Reset clears the frame buffer and error history. In-flight predictions started
// before the reset are discarded when they complete.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = nil
	c.errors = nil
	c.generation++
}

// Close releases the inference session.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	c.generation++
	return err
}

// Loaded reports whether a model session is open.
func (c *Classifier) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Config returns the active configuration.
func (c *Classifier) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// BufferLength returns the number of buffered frames.
func (c *Classifier) BufferLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// HistoryLength returns the number of recorded reconstruction errors.
func (c *Classifier) HistoryLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors)
}

// #endregion lifecycle
