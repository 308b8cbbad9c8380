package analyzer

import (
	"errors"
	"net/http"
	"time"

	"github.com/danielpatrickdp/formcheck/internal/classifier"
	"github.com/danielpatrickdp/formcheck/internal/config"
	"github.com/danielpatrickdp/formcheck/internal/fusion"
	"github.com/danielpatrickdp/formcheck/internal/inference"
	"github.com/danielpatrickdp/formcheck/internal/validator"
)

// ErrNotInitialized is returned by operations that need a successful Initialize.
var ErrNotInitialized = errors.New("analyzer not initialized")

// #region options
// Options wires an analyzer. Only Config is required.
type Options struct {
	Config config.Exercise
	// Runtime executes the model. When nil, a remote runtime is dialed for
	// Config.InferenceAddr, otherwise the in-process linear runtime is used.
	Runtime inference.Runtime
	// Registry resolves the validator; defaults to validator.DefaultRegistry().
	Registry   *validator.Registry
	HTTPClient *http.Client
	Now        func() time.Time
}

// #endregion options

// #region metrics
// scoreWindow is the number of per-frame scores averaged into Accuracy.
const scoreWindow = 3

// Metrics is the rolling session summary.
type Metrics struct {
	TotalFrames     int           `json:"total_frames"`
	AnalyzedFrames  int           `json:"analyzed_frames"`
	CorrectFrames   int           `json:"correct_frames"`
	IncorrectFrames int           `json:"incorrect_frames"`
	AvgConfidence   float64       `json:"avg_confidence"`
	Accuracy        float64       `json:"accuracy"`
	FormQuality     float64       `json:"form_quality"`
	ValidReps       int           `json:"valid_reps"`
	ScaleCMPerUnit  float64       `json:"scale_cm_per_unit,omitempty"`
	SessionStart    time.Time     `json:"session_start"`
	SessionDuration time.Duration `json:"session_duration"`
}

// #endregion metrics

// #region events
// EventKind tags an Event.
type EventKind string

const (
	EventFeedback EventKind = "feedback"
	EventMetrics  EventKind = "metrics"
	EventError    EventKind = "error"
)

// Event is pushed on the Events channel. Exactly one payload field is set.
type Event struct {
	Kind    EventKind      `json:"kind"`
	At      time.Time      `json:"at"`
	Record  *fusion.Record `json:"record,omitempty"`
	Metrics *Metrics       `json:"metrics,omitempty"`
	Err     string         `json:"error,omitempty"`
}

// #endregion events

// #region report
// Report is the end-of-session document handed to persistence.
type Report struct {
	Exercise   string                      `json:"exercise"`
	Timestamp  time.Time                   `json:"timestamp"`
	Duration   time.Duration               `json:"duration"`
	Metrics    Metrics                     `json:"metrics"`
	Config     config.Exercise             `json:"config"`
	Classifier *classifier.ErrorStatistics `json:"classifier,omitempty"`
	Fusion     fusion.Statistics           `json:"fusion"`
	Validator  *validator.Snapshot         `json:"validator,omitempty"`
}

// #endregion report
