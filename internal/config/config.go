package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/danielpatrickdp/formcheck/internal/classifier"
	"github.com/danielpatrickdp/formcheck/internal/fusion"
	"github.com/danielpatrickdp/formcheck/internal/validator"
)

// ErrInvalid is returned when a document cannot be repaired into a usable configuration.
var ErrInvalid = errors.New("invalid exercise config")

// #region types
// CalibrationMode selects how the body scale is estimated.
type CalibrationMode string

const (
	CalibrationNone   CalibrationMode = "none"
	CalibrationHeight CalibrationMode = "height"
)

// Calibration configures the centimeters-per-unit body scale estimate.
type Calibration struct {
	Mode                CalibrationMode `json:"mode" toml:"mode"`
	UserHeightCM        float64         `json:"user_height_cm" toml:"user_height_cm"`
	MinBodyRatio        float64         `json:"min_body_ratio" toml:"min_body_ratio"`
	Smoothing           float64         `json:"smoothing" toml:"smoothing"`
	VisibilityThreshold float64         `json:"visibility_threshold" toml:"visibility_threshold"`
}

// Analyzer holds orchestration settings.
type Analyzer struct {
	MinIntervalMS int `json:"min_interval_ms" toml:"min_interval_ms"`
	EventBuffer   int `json:"event_buffer" toml:"event_buffer"`
}

// MinInterval returns the throttle interval as a duration.
func (a Analyzer) MinInterval() time.Duration {
	return time.Duration(a.MinIntervalMS) * time.Millisecond
}

// Validator selects a registered exercise by id with parameter overrides, or carries
// a complete inline definition in Custom.
type Validator struct {
	Exercise string            `json:"exercise,omitempty" toml:"exercise,omitempty"`
	Params   validator.Params  `json:"params,omitempty" toml:"params,omitempty"`
	Custom   *validator.Config `json:"custom,omitempty" toml:"custom,omitempty"`
	Disabled bool              `json:"disabled,omitempty" toml:"disabled,omitempty"`
}

// Exercise is the full per-exercise document.
type Exercise struct {
	ExerciseType     string            `json:"exercise_type" toml:"exercise_type"`
	ModelPath        string            `json:"model_path" toml:"model_path"`
	ExternalDataPath string            `json:"external_data_path,omitempty" toml:"external_data_path,omitempty"`
	InferenceAddr    string            `json:"inference_addr,omitempty" toml:"inference_addr,omitempty"`
	ML               classifier.Config `json:"ml" toml:"ml"`
	Validator        Validator         `json:"validator" toml:"validator"`
	Fusion           fusion.Config     `json:"fusion" toml:"fusion"`
	Analyzer         Analyzer          `json:"analyzer" toml:"analyzer"`
	Calibration      Calibration       `json:"calibration" toml:"calibration"`
}

// #endregion types

// #region defaults
// Default returns the baseline document for an exercise type.
func Default(exerciseType string) Exercise {
	return Exercise{
		ExerciseType: exerciseType,
		ML:           classifier.DefaultConfig(),
		Fusion:       fusion.DefaultConfig(),
		Analyzer: Analyzer{
			MinIntervalMS: 100,
			EventBuffer:   64,
		},
		Calibration: Calibration{
			Mode:                CalibrationNone,
			MinBodyRatio:        0.3,
			Smoothing:           0.2,
			VisibilityThreshold: 0.5,
		},
	}
}

// #endregion defaults

// #region load
// Override adjusts a document after it is read and before it is validated.
type Override func(*Exercise)

// Load reads a TOML or JSON document (chosen by extension) over the defaults, applies
// overrides in order, then repairs invariant violations.
func Load(path string, overrides ...Override) (Exercise, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Exercise{}, fmt.Errorf("read exercise config: %w", err)
	}
	return Parse(data, filepath.Ext(path), overrides...)
}

// Parse decodes a document body. ext is ".toml" or ".json".
func Parse(data []byte, ext string, overrides ...Override) (Exercise, error) {
	cfg := Default("")
	switch strings.ToLower(ext) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Exercise{}, fmt.Errorf("parse exercise config: %w", err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Exercise{}, fmt.Errorf("parse exercise config: %w", err)
		}
	default:
		return Exercise{}, fmt.Errorf("%w: unsupported format %q", ErrInvalid, ext)
	}
	return Resolve(cfg, overrides...)
}

// Resolve applies overrides to cfg and normalizes the result.
func Resolve(cfg Exercise, overrides ...Override) (Exercise, error) {
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.normalize(); err != nil {
		return Exercise{}, err
	}
	return cfg, nil
}

// Encode writes cfg as TOML.
func Encode(cfg Exercise) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode exercise config: %w", err)
	}
	return buf.Bytes(), nil
}

// #endregion load

// #region normalize
func (c *Exercise) normalize() error {
	c.ExerciseType = strings.TrimSpace(c.ExerciseType)
	if c.ExerciseType == "" {
		return fmt.Errorf("%w: exercise_type is required", ErrInvalid)
	}
	if c.Validator.Exercise == "" {
		c.Validator.Exercise = c.ExerciseType
	}
	if c.Validator.Custom != nil && c.Validator.Custom.ExerciseID == "" {
		c.Validator.Custom.ExerciseID = c.ExerciseType
	}

	c.ML = classifier.Normalize(c.ML)
	c.Fusion = fusion.Normalize(c.Fusion)

	if c.Analyzer.MinIntervalMS < 0 {
		log.Printf("[CONF] min_interval_ms %d negative, using 0", c.Analyzer.MinIntervalMS)
		c.Analyzer.MinIntervalMS = 0
	}
	if c.Analyzer.EventBuffer < 0 {
		c.Analyzer.EventBuffer = 0
	}

	cal := &c.Calibration
	def := Default("").Calibration
	switch cal.Mode {
	case "", CalibrationNone:
		cal.Mode = CalibrationNone
	case CalibrationHeight:
		if cal.UserHeightCM <= 0 {
			log.Printf("[CONF] height calibration needs user_height_cm, disabling")
			cal.Mode = CalibrationNone
		}
	default:
		return fmt.Errorf("%w: unknown calibration mode %q", ErrInvalid, cal.Mode)
	}
	if cal.Smoothing <= 0 || cal.Smoothing > 1 {
		log.Printf("[CONF] calibration smoothing %v outside (0,1], using %v", cal.Smoothing, def.Smoothing)
		cal.Smoothing = def.Smoothing
	}
	if cal.MinBodyRatio <= 0 || cal.MinBodyRatio > 1 {
		log.Printf("[CONF] min_body_ratio %v outside (0,1], using %v", cal.MinBodyRatio, def.MinBodyRatio)
		cal.MinBodyRatio = def.MinBodyRatio
	}
	if cal.VisibilityThreshold <= 0 || cal.VisibilityThreshold > 1 {
		cal.VisibilityThreshold = def.VisibilityThreshold
	}
	return nil
}

// #endregion normalize

// #region validator
// ValidatorConfig resolves the validator definition. ok is false when the validator is disabled.
func (c Exercise) ValidatorConfig(reg *validator.Registry) (cfg validator.Config, ok bool, err error) {
	if c.Validator.Disabled {
		return validator.Config{}, false, nil
	}
	if c.Validator.Custom != nil {
		return *c.Validator.Custom, true, nil
	}
	cfg, err = reg.Config(c.Validator.Exercise, c.Validator.Params)
	if err != nil {
		return validator.Config{}, false, err
	}
	return cfg, true, nil
}

// #endregion validator

// #region overrides
// WithModelPath replaces the model location.
func WithModelPath(path string) Override {
	return func(c *Exercise) {
		if path != "" {
			c.ModelPath = path
		}
	}
}

// WithInferenceAddr routes inference to a remote model server.
func WithInferenceAddr(addr string) Override {
	return func(c *Exercise) {
		if addr != "" {
			c.InferenceAddr = addr
		}
	}
}

// WithFusionMode replaces the fusion policy.
func WithFusionMode(mode string) Override {
	return func(c *Exercise) {
		if mode != "" {
			c.Fusion.Mode = fusion.Mode(mode)
		}
	}
}

// WithThreshold replaces the classifier threshold.
func WithThreshold(t float64) Override {
	return func(c *Exercise) {
		if t > 0 {
			c.ML.Threshold = t
		}
	}
}

// WithUserHeight enables height calibration for the given height.
func WithUserHeight(cm float64) Override {
	return func(c *Exercise) {
		if cm > 0 {
			c.Calibration.Mode = CalibrationHeight
			c.Calibration.UserHeightCM = cm
		}
	}
}

// FromEnv returns overrides read from FORMCHECK_* environment variables.
func FromEnv() []Override {
	var height float64
	if v := EnvOr("FORMCHECK_USER_HEIGHT_CM", ""); v != "" {
		h, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Printf("[CONF] ignoring FORMCHECK_USER_HEIGHT_CM=%q: %v", v, err)
		} else {
			height = h
		}
	}
	return []Override{
		WithModelPath(EnvOr("FORMCHECK_MODEL", "")),
		WithInferenceAddr(EnvOr("FORMCHECK_INFERENCE_ADDR", "")),
		WithFusionMode(EnvOr("FORMCHECK_FUSION_MODE", "")),
		WithUserHeight(height),
	}
}

// EnvOr returns the environment value for key, or fallback when it is unset or empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion overrides
