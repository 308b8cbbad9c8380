package validator

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/danielpatrickdp/formcheck/internal/pose"
)

// #region validator-struct
// Validator runs the exercise state machine and form checks over single frames.
// It is not safe for concurrent use; one validator serves one frame stream.
type Validator struct {
	cfg    Config
	states map[string]StateDef
	now    func() time.Time

	current         string
	framesInState   int
	stateHistory    []string
	validReps       int
	isPositionValid bool
	holdFrames      int
	angleHistory    []AngleSample
	scale           float64
}

// #endregion validator-struct

// #region constructor
// New validates cfg, fills defaults and returns a validator in its initial state.
func New(cfg Config) (*Validator, error) {
	cfg, err := normalize(cfg)
	if err != nil {
		return nil, err
	}
	v := &Validator{
		cfg:    cfg,
		states: make(map[string]StateDef, len(cfg.States)),
		now:    time.Now,
	}
	for _, s := range cfg.States {
		v.states[s.Name] = s
	}
	v.Reset()
	return v, nil
}

func normalize(cfg Config) (Config, error) {
	if cfg.ExerciseID == "" {
		return cfg, fmt.Errorf("%w: exercise_id is required", ErrInvalidConfig)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeHold
		if len(cfg.States) > 0 {
			cfg.Mode = ModeReps
		}
	}
	switch cfg.Mode {
	case ModeReps, ModeHold, ModeHybrid:
	default:
		return cfg, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, cfg.Mode)
	}
	if cfg.MinVisibility <= 0 {
		cfg.MinVisibility = defaultMinVisibility
	}
	if cfg.MaxStateHistory <= 0 {
		cfg.MaxStateHistory = defaultMaxStateHistory
	}
	for _, i := range cfg.KeyLandmarks {
		if i < 0 || i >= pose.NumLandmarks {
			return cfg, fmt.Errorf("%w: key landmark index %d out of range", ErrInvalidConfig, i)
		}
	}
	if cfg.PrimaryAngle != nil {
		pa := *cfg.PrimaryAngle
		for _, i := range pa.Landmarks {
			if i < 0 || i >= pose.NumLandmarks {
				return cfg, fmt.Errorf("%w: primary angle landmark index %d out of range", ErrInvalidConfig, i)
			}
		}
		if pa.Smoothing <= 0 {
			pa.Smoothing = defaultSmoothing
		}
		cfg.PrimaryAngle = &pa
	}

	names := make(map[string]bool, len(cfg.States))
	for _, s := range cfg.States {
		if s.Name == "" || names[s.Name] {
			return cfg, fmt.Errorf("%w: state names must be unique and non-empty", ErrInvalidConfig)
		}
		names[s.Name] = true
		for _, c := range s.Conditions {
			if err := c.validate(); err != nil {
				return cfg, fmt.Errorf("%w: state %s: %v", ErrInvalidConfig, s.Name, err)
			}
		}
	}
	if cfg.InitialState == "" && len(cfg.States) > 0 {
		cfg.InitialState = cfg.States[0].Name
	}
	if cfg.InitialState != "" && !names[cfg.InitialState] {
		return cfg, fmt.Errorf("%w: initial state %q not declared", ErrInvalidConfig, cfg.InitialState)
	}
	if cfg.RepRule != nil {
		if len(cfg.RepRule.Sequence) < 2 {
			return cfg, fmt.Errorf("%w: rep rule needs at least two states", ErrInvalidConfig)
		}
		for _, name := range cfg.RepRule.Sequence {
			if !names[name] {
				return cfg, fmt.Errorf("%w: rep rule references unknown state %q", ErrInvalidConfig, name)
			}
		}
		if len(cfg.RepRule.Sequence) > cfg.MaxStateHistory {
			log.Printf("[VALID] %s: state history %d shorter than rep rule, raised to %d",
				cfg.ExerciseID, cfg.MaxStateHistory, len(cfg.RepRule.Sequence))
			cfg.MaxStateHistory = len(cfg.RepRule.Sequence)
		}
	}

	ids := make(map[string]bool, len(cfg.Checks))
	for _, ch := range cfg.Checks {
		if ch.ID == "" || ids[ch.ID] {
			return cfg, fmt.Errorf("%w: check ids must be unique and non-empty", ErrInvalidConfig)
		}
		ids[ch.ID] = true
		if ch.Severity.Rank() > SeverityLow.Rank() {
			return cfg, fmt.Errorf("%w: check %s has unknown severity %q", ErrInvalidConfig, ch.ID, ch.Severity)
		}
		if err := ch.Condition.validate(); err != nil {
			return cfg, fmt.Errorf("%w: check %s: %v", ErrInvalidConfig, ch.ID, err)
		}
		for _, st := range ch.ActiveInStates {
			if !names[st] {
				return cfg, fmt.Errorf("%w: check %s active in unknown state %q", ErrInvalidConfig, ch.ID, st)
			}
		}
	}
	return cfg, nil
}

// #endregion constructor

// #region accessors
// Config returns the normalized configuration.
func (v *Validator) Config() Config { return v.cfg }

// ValidReps returns the number of counted repetitions.
func (v *Validator) ValidReps() int { return v.validReps }

// CurrentState returns the state machine's current state ("" without states).
func (v *Validator) CurrentState() string { return v.current }

// SetScale sets the centimeters-per-normalized-unit scale used by cm conditions.
func (v *Validator) SetScale(cmPerUnit float64) {
	if cmPerUnit > 0 {
		v.scale = cmPerUnit
	}
}

// Snapshot copies the runtime state.
func (v *Validator) Snapshot() Snapshot {
	return Snapshot{
		CurrentState:    v.current,
		FramesInState:   v.framesInState,
		StateHistory:    append([]string(nil), v.stateHistory...),
		ValidReps:       v.validReps,
		IsPositionValid: v.isPositionValid,
		HoldFrames:      v.holdFrames,
		AngleHistory:    append([]AngleSample(nil), v.angleHistory...),
		Scale:           v.scale,
	}
}

// #endregion accessors

// #region reset
// Reset returns the validator to its initial state. The calibrated scale survives.
func (v *Validator) Reset() {
	v.current = v.cfg.InitialState
	v.framesInState = 0
	v.stateHistory = nil
	if v.current != "" {
		v.stateHistory = []string{v.current}
	}
	v.validReps = 0
	v.isPositionValid = false
	v.holdFrames = 0
	v.angleHistory = nil
}

// #endregion reset

// #region validate
// Validate evaluates one frame: primary angle, state machine, repetition rule and checks.
func (v *Validator) Validate(frame pose.Frame, frameIndex int) Result {
	e := env{frame: frame, minVisibility: v.cfg.MinVisibility, scale: v.scale}

	if !frame.Visible(e.minVisibility, v.requiredLandmarks()...) {
		return Result{
			IsValid:      false,
			Visible:      false,
			Issues:       []Issue{},
			Summary:      SummaryNotVisible,
			ValidReps:    v.validReps,
			CurrentState: v.current,
			FrameIndex:   frameIndex,
		}
	}

	if pa := v.cfg.PrimaryAngle; pa != nil {
		angle := pose.Angle(frame[pa.Landmarks[0]], frame[pa.Landmarks[1]], frame[pa.Landmarks[2]])
		v.angleHistory = append(v.angleHistory, AngleSample{FrameIndex: frameIndex, Timestamp: v.now(), Angle: angle})
		if len(v.angleHistory) > pa.Smoothing {
			v.angleHistory = v.angleHistory[len(v.angleHistory)-pa.Smoothing:]
		}
	}

	var issues []Issue
	if v.cfg.Mode != ModeHold && len(v.states) > 0 {
		if v.updateState(e) && v.matchRep() {
			v.validReps++
			v.stateHistory = []string{v.current}
			log.Printf("[VALID] %s: repetition %d counted at frame %d", v.cfg.ExerciseID, v.validReps, frameIndex)
			issues = append(issues, Issue{
				Type:     IssueValidRepetition,
				Message:  fmt.Sprintf("Repetition %d completed", v.validReps),
				Severity: SeverityLow,
				Details:  map[string]any{"valid_reps": v.validReps, "frame_index": frameIndex},
			})
		}
	}

	failed := 0
	for _, ch := range v.cfg.Checks {
		if !v.checkActive(ch) {
			continue
		}
		if ch.Condition.needsScale() && v.scale <= 0 {
			continue
		}
		value, pass := ch.Condition.evaluate(e)
		if pass {
			continue
		}
		failed++
		issues = append(issues, Issue{
			Type:     ch.ID,
			Message:  ch.FailMessage,
			Severity: ch.Severity,
			Details: map[string]any{
				"check":    ch.Name,
				"value":    value,
				"operator": string(ch.Condition.Operator),
				"expected": expected(ch.Condition),
				"state":    v.current,
			},
		})
	}
	v.isPositionValid = failed == 0

	if v.cfg.Mode != ModeReps {
		if v.isPositionValid {
			v.holdFrames++
		} else {
			v.holdFrames = 0
		}
	}

	if issues == nil {
		issues = []Issue{}
	}
	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].Severity.Rank() < issues[j].Severity.Rank()
	})

	isValid := true
	for _, is := range issues {
		if is.Severity.Blocking() {
			isValid = false
			break
		}
	}

	return Result{
		IsValid:         isValid,
		Visible:         true,
		Issues:          issues,
		Summary:         summarize(issues, failed),
		ValidReps:       v.validReps,
		CurrentState:    v.current,
		IsPositionValid: v.isPositionValid,
		PrimaryAngle:    v.smoothedAngle(),
		HoldFrames:      v.holdFrames,
		FrameIndex:      frameIndex,
	}
}

// #endregion validate

// #region state-machine
// updateState moves to the first other state whose entry conditions hold, provided the
// current state's dwell requirement is met. It reports whether a transition happened.
func (v *Validator) updateState(e env) bool {
	cur := v.states[v.current]
	if v.framesInState >= cur.MinFrames {
		for _, next := range v.cfg.States {
			if next.Name == v.current || len(next.Conditions) == 0 {
				continue
			}
			if v.allHold(next.Conditions, e) {
				log.Printf("[VALID] %s: %s -> %s after %d frames", v.cfg.ExerciseID, v.current, next.Name, v.framesInState)
				v.current = next.Name
				v.framesInState = 0
				v.stateHistory = append(v.stateHistory, next.Name)
				if len(v.stateHistory) > v.cfg.MaxStateHistory {
					v.stateHistory = v.stateHistory[len(v.stateHistory)-v.cfg.MaxStateHistory:]
				}
				return true
			}
		}
	}
	v.framesInState++
	return false
}

func (v *Validator) allHold(conds []Condition, e env) bool {
	for _, c := range conds {
		if _, pass := c.evaluate(e); !pass {
			return false
		}
	}
	return true
}

// matchRep compares the tail of the state history with the repetition sequence.
func (v *Validator) matchRep() bool {
	if v.cfg.RepRule == nil {
		return false
	}
	seq := v.cfg.RepRule.Sequence
	if len(v.stateHistory) < len(seq) {
		return false
	}
	tail := v.stateHistory[len(v.stateHistory)-len(seq):]
	for i := range seq {
		if tail[i] != seq[i] {
			return false
		}
	}
	return true
}

// #endregion state-machine

// #region helpers
func (v *Validator) requiredLandmarks() []int {
	req := append([]int{}, v.cfg.KeyLandmarks...)
	if pa := v.cfg.PrimaryAngle; pa != nil {
		req = append(req, pa.Landmarks[:]...)
	}
	return req
}

func (v *Validator) checkActive(ch Check) bool {
	if len(ch.ActiveInStates) == 0 {
		return true
	}
	for _, s := range ch.ActiveInStates {
		if s == v.current {
			return true
		}
	}
	return false
}

func (v *Validator) smoothedAngle() float64 {
	if len(v.angleHistory) == 0 {
		return 0
	}
	var sum float64
	for _, s := range v.angleHistory {
		sum += s.Angle
	}
	return sum / float64(len(v.angleHistory))
}

func expected(c Condition) string {
	if c.Operator == OpBetween {
		return fmt.Sprintf("[%g, %g]", c.Min, c.Max)
	}
	return fmt.Sprintf("%s %g", c.Operator, c.Value)
}

func summarize(issues []Issue, failed int) string {
	if failed == 0 {
		if len(issues) > 0 {
			return issues[0].Message
		}
		return "position valid"
	}
	for _, is := range issues {
		if is.Type != IssueValidRepetition {
			return fmt.Sprintf("%d issue(s): %s", failed, is.Message)
		}
	}
	return fmt.Sprintf("%d issue(s)", failed)
}

// #endregion helpers
