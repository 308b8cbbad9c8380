package validator

import (
	"errors"
	"time"
)

// #region errors
var (
	// ErrUnknownExercise is returned when the registry has no factory for an exercise id.
	ErrUnknownExercise = errors.New("unknown exercise")
	// ErrInvalidConfig is returned for malformed validator configurations.
	ErrInvalidConfig = errors.New("invalid validator config")
)

// #endregion errors

// #region mode
// Mode selects which validator machinery runs per frame.
type Mode string

const (
	ModeReps   Mode = "reps"
	ModeHold   Mode = "hold"
	ModeHybrid Mode = "hybrid"
)

// #endregion mode

// #region severity
// Severity ranks a validation issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from most (0) to least (3) severe. Unknown severities rank last.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	}
	return 4
}

// Blocking reports whether an issue of this severity invalidates the position.
func (s Severity) Blocking() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// #endregion severity

// #region condition
// ConditionType tags the Condition variant.
type ConditionType string

const (
	ConditionAngle     ConditionType = "angle"
	ConditionDistance  ConditionType = "distance"
	ConditionAlignment ConditionType = "alignment"
	ConditionSymmetry  ConditionType = "symmetry"
)

// Operator compares a measured value against the condition's threshold(s).
type Operator string

const (
	OpLess         Operator = "<"
	OpGreater      Operator = ">"
	OpLessEqual    Operator = "<="
	OpGreaterEqual Operator = ">="
	OpBetween      Operator = "between"
)

// Axis narrows distance and alignment measurements.
type Axis string

const (
	AxisXY         Axis = "xy"
	AxisX          Axis = "x"
	AxisY          Axis = "y"
	AxisXYZ        Axis = "xyz"
	AxisVertical   Axis = "vertical"
	AxisHorizontal Axis = "horizontal"
)

// Unit selects normalized image units or calibrated centimeters for distances.
type Unit string

const (
	UnitNormalized Unit = "normalized"
	UnitCM         Unit = "cm"
)

// Condition is one boolean test over landmark-derived geometry.
//
//   - angle: Landmarks is a triple, value is the angle at the middle joint.
//   - distance: Landmarks is a pair, value is their distance along Axis.
//   - alignment: a pair gives the segment's inclination from Axis; a triple gives the
//     deviation from a straight line at the middle joint.
//   - symmetry: Landmarks and Mirror are left/right triples (angle difference) or
//     single landmarks (vertical level difference).
type Condition struct {
	Type      ConditionType `json:"type" toml:"type"`
	Landmarks []int         `json:"landmarks" toml:"landmarks"`
	Mirror    []int         `json:"mirror,omitempty" toml:"mirror,omitempty"`
	Operator  Operator      `json:"operator" toml:"operator"`
	Value     float64       `json:"value,omitempty" toml:"value,omitempty"`
	Min       float64       `json:"min,omitempty" toml:"min,omitempty"`
	Max       float64       `json:"max,omitempty" toml:"max,omitempty"`
	Axis      Axis          `json:"axis,omitempty" toml:"axis,omitempty"`
	Unit      Unit          `json:"unit,omitempty" toml:"unit,omitempty"`
	Use3D     bool          `json:"use_3d,omitempty" toml:"use_3d,omitempty"`
}

// #endregion condition

// #region config
// StateDef is one state of the exercise state machine.
type StateDef struct {
	Name       string      `json:"name" toml:"name"`
	Conditions []Condition `json:"conditions" toml:"conditions"`
	MinFrames  int         `json:"min_frames" toml:"min_frames"`
}

// RepRule counts a repetition whenever the tail of the state history equals Sequence.
type RepRule struct {
	Sequence []string `json:"sequence" toml:"sequence"`
}

// PrimaryAngle is the exercise's main joint angle, smoothed over Smoothing samples.
type PrimaryAngle struct {
	Name      string `json:"name" toml:"name"`
	Landmarks [3]int `json:"landmarks" toml:"landmarks"`
	Smoothing int    `json:"smoothing" toml:"smoothing"`
}

// Check is a per-frame form rule.
type Check struct {
	ID             string    `json:"id" toml:"id"`
	Name           string    `json:"name" toml:"name"`
	Severity       Severity  `json:"severity" toml:"severity"`
	Condition      Condition `json:"condition" toml:"condition"`
	ActiveInStates []string  `json:"active_in_states,omitempty" toml:"active_in_states,omitempty"`
	PassMessage    string    `json:"pass_message,omitempty" toml:"pass_message,omitempty"`
	FailMessage    string    `json:"fail_message" toml:"fail_message"`
}

// Config is the data-driven validator definition.
type Config struct {
	ExerciseID      string        `json:"exercise_id" toml:"exercise_id"`
	Mode            Mode          `json:"mode" toml:"mode"`
	States          []StateDef    `json:"states,omitempty" toml:"states,omitempty"`
	InitialState    string        `json:"initial_state,omitempty" toml:"initial_state,omitempty"`
	RepRule         *RepRule      `json:"rep_rule,omitempty" toml:"rep_rule,omitempty"`
	PrimaryAngle    *PrimaryAngle `json:"primary_angle,omitempty" toml:"primary_angle,omitempty"`
	KeyLandmarks    []int         `json:"key_landmarks,omitempty" toml:"key_landmarks,omitempty"`
	Checks          []Check       `json:"checks" toml:"checks"`
	MinVisibility   float64       `json:"min_visibility" toml:"min_visibility"`
	MaxStateHistory int           `json:"max_state_history" toml:"max_state_history"`
}

const (
	defaultMinVisibility   = 0.5
	defaultMaxStateHistory = 10
	defaultSmoothing       = 10
)

// #endregion config

// #region result
// IssueValidRepetition is emitted once per counted repetition.
const IssueValidRepetition = "valid_repetition"

// SummaryNotVisible is the summary of a frame whose required landmarks are missing.
const SummaryNotVisible = "landmarks not visible"

// Issue is one finding for a frame.
type Issue struct {
	Type     string         `json:"type"`
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

// Result is the validator's verdict for one frame.
type Result struct {
	IsValid         bool    `json:"is_valid"`
	Visible         bool    `json:"visible"`
	Issues          []Issue `json:"issues"`
	Summary         string  `json:"summary"`
	ValidReps       int     `json:"valid_reps"`
	CurrentState    string  `json:"current_state"`
	IsPositionValid bool    `json:"is_position_valid"`
	PrimaryAngle    float64 `json:"primary_angle,omitempty"`
	HoldFrames      int     `json:"hold_frames,omitempty"`
	FrameIndex      int     `json:"frame_index"`
}

// HasCritical reports whether any issue is critical.
func (r Result) HasCritical() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// #endregion result

// #region snapshot
// AngleSample is one primary-angle observation.
type AngleSample struct {
	FrameIndex int       `json:"frame_index"`
	Timestamp  time.Time `json:"timestamp"`
	Angle      float64   `json:"angle"`
}

// Snapshot is a copy of the validator's runtime state.
type Snapshot struct {
	CurrentState    string        `json:"current_state"`
	FramesInState   int           `json:"frames_in_state"`
	StateHistory    []string      `json:"state_history"`
	ValidReps       int           `json:"valid_reps"`
	IsPositionValid bool          `json:"is_position_valid"`
	HoldFrames      int           `json:"hold_frames"`
	AngleHistory    []AngleSample `json:"angle_history"`
	Scale           float64       `json:"scale_cm_per_unit"`
}

// #endregion snapshot
