package classifier

import "errors"

// #region errors
var (
	// ErrLoad wraps every model fetch or session construction failure.
	ErrLoad = errors.New("model load failed")
	// ErrInsufficientHistory is returned by AutoCalibrate before enough errors are recorded.
	ErrInsufficientHistory = errors.New("insufficient error history")
)

// #endregion errors

// #region constants
const (
	// ToleranceMultiplier is the error/threshold ratio at which quality reaches zero.
	ToleranceMultiplier = 1.1
	// MinCalibrationSamples is the error history needed before auto-calibration.
	MinCalibrationSamples = 20
	// CalibrationPercentile selects the new threshold from the sorted error history.
	CalibrationPercentile = 0.95
)

// #endregion constants

// #region config
// Config holds the sliding-window and decision parameters.
type Config struct {
	MaxFrames          int     `json:"max_frames" toml:"max_frames"`
	MinFrames          int     `json:"min_frames" toml:"min_frames"`
	PredictionInterval int     `json:"prediction_interval" toml:"prediction_interval"`
	Threshold          float64 `json:"threshold" toml:"threshold"`
	MaxHistorySize     int     `json:"max_history_size" toml:"max_history_size"`
	// FeatureWidth is overwritten by the loaded model.
	FeatureWidth int `json:"feature_width" toml:"feature_width"`
}

// DefaultConfig returns defaults for a 33-landmark pose stream.
func DefaultConfig() Config {
	return Config{
		MaxFrames:          30,
		MinFrames:          10,
		PredictionInterval: 5,
		Threshold:          0.05,
		MaxHistorySize:     100,
		FeatureWidth:       99,
	}
}

// #endregion config

// #region status
// Status is the outcome category of one AnalyzeFrame call.
type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusProcessing  Status = "processing"
	StatusError       Status = "error"
	StatusCorrect     Status = "correct"
	StatusIncorrect   Status = "incorrect"
	StatusUnavailable Status = "unavailable"
)

// #endregion status

// #region result
// Result is the classifier's verdict for one frame. Decision fields are only
// meaningful when Status is correct or incorrect.
type Result struct {
	Status              Status   `json:"status"`
	IsCorrect           bool     `json:"is_correct"`
	Confidence          float64  `json:"confidence"`
	QualityScore        float64  `json:"quality_score"`
	ReconstructionError float64  `json:"reconstruction_error"`
	Threshold           float64  `json:"threshold"`
	BufferLength        int      `json:"buffer_length"`
	RequiredFrames      int      `json:"required_frames"`
	Details             *Details `json:"details,omitempty"`
	Error               string   `json:"error,omitempty"`
}

// Details carries the diagnostic values behind a decision.
type Details struct {
	Ratio          float64 `json:"ratio"`
	FramesAnalyzed int     `json:"frames_analyzed"`
	PaddedFrames   int     `json:"padded_frames"`
}

// Decided reports whether the result carries a correct/incorrect judgment.
func (r Result) Decided() bool {
	return r.Status == StatusCorrect || r.Status == StatusIncorrect
}

// #endregion result

// #region statistics
// ErrorStatistics summarizes the recorded reconstruction errors.
type ErrorStatistics struct {
	Count     int     `json:"count"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"std_dev"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Median    float64 `json:"median"`
	P95       float64 `json:"p95"`
	Threshold float64 `json:"threshold"`
}

// #endregion statistics
