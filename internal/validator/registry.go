package validator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danielpatrickdp/formcheck/internal/pose"
)

// #region registry
// Params are numeric overrides handed to an exercise factory, e.g. "knee_down_angle".
type Params map[string]float64

func (p Params) get(key string, fallback float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return fallback
}

// Factory builds a validator configuration from caller parameters.
type Factory func(Params) (Config, error)

// Registry maps exercise ids to validator factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for id.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// Config builds the configuration for id without constructing a validator.
func (r *Registry) Config(id string, params Params) (Config, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownExercise, id)
	}
	cfg, err := f(params)
	if err != nil {
		return Config{}, fmt.Errorf("build %s config: %w", id, err)
	}
	return cfg, nil
}

// Build constructs a validator for id.
func (r *Registry) Build(id string, params Params) (*Validator, error) {
	cfg, err := r.Config(id, params)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// Exercises lists the registered ids in sorted order.
func (r *Registry) Exercises() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultRegistry returns a registry holding the built-in exercises.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("squat", Squat)
	r.Register("pushup", Pushup)
	r.Register("lunge", Lunge)
	r.Register("plank", Plank)
	return r
}

// #endregion registry

// #region condition-helpers
func angleCond(a, b, c int, op Operator, value float64) Condition {
	return Condition{Type: ConditionAngle, Landmarks: []int{a, b, c}, Operator: op, Value: value}
}

func lineCond(a, b, c int, maxDeviation float64) Condition {
	return Condition{Type: ConditionAlignment, Landmarks: []int{a, b, c}, Operator: OpLessEqual, Value: maxDeviation}
}

func inclineCond(a, b int, maxDegrees float64) Condition {
	return Condition{Type: ConditionAlignment, Landmarks: []int{a, b}, Axis: AxisVertical, Operator: OpLessEqual, Value: maxDegrees}
}

func levelCond(a, b int, maxDegrees float64) Condition {
	return Condition{Type: ConditionAlignment, Landmarks: []int{a, b}, Axis: AxisHorizontal, Operator: OpLessEqual, Value: maxDegrees}
}

func twoStates(down, up []Condition, dwell int) []StateDef {
	return []StateDef{
		{Name: "up", Conditions: up, MinFrames: dwell},
		{Name: "down", Conditions: down, MinFrames: dwell},
	}
}

func dwell(p Params) (int, error) {
	n := int(p.get("min_frames_in_state", 3))
	if n < 0 {
		return 0, fmt.Errorf("%w: min_frames_in_state must be >= 0", ErrInvalidConfig)
	}
	return n, nil
}

func thresholds(p Params, downKey, upKey string, down, up float64) (float64, float64, error) {
	d, u := p.get(downKey, down), p.get(upKey, up)
	if d >= u {
		return 0, 0, fmt.Errorf("%w: %s (%g) must be below %s (%g)", ErrInvalidConfig, downKey, d, upKey, u)
	}
	return d, u, nil
}

// #endregion condition-helpers

// #region exercises
// Squat counts up -> down -> up on the left knee angle and checks torso lean,
// knee symmetry, shoulder level and stance width.
func Squat(p Params) (Config, error) {
	down, up, err := thresholds(p, "knee_down_angle", "knee_up_angle", 100, 160)
	if err != nil {
		return Config{}, err
	}
	n, err := dwell(p)
	if err != nil {
		return Config{}, err
	}
	return Config{
		ExerciseID: "squat",
		Mode:       ModeReps,
		States: twoStates(
			[]Condition{angleCond(pose.LeftHip, pose.LeftKnee, pose.LeftAnkle, OpLessEqual, down)},
			[]Condition{angleCond(pose.LeftHip, pose.LeftKnee, pose.LeftAnkle, OpGreaterEqual, up)},
			n),
		InitialState: "up",
		RepRule:      &RepRule{Sequence: []string{"up", "down", "up"}},
		PrimaryAngle: &PrimaryAngle{Name: "left_knee", Landmarks: [3]int{pose.LeftHip, pose.LeftKnee, pose.LeftAnkle}},
		KeyLandmarks: []int{pose.LeftShoulder, pose.RightShoulder, pose.LeftHip, pose.RightHip},
		Checks: []Check{
			{
				ID: "torso_lean", Name: "Torso lean", Severity: SeverityHigh,
				Condition:   inclineCond(pose.LeftShoulder, pose.LeftHip, p.get("max_torso_lean", 45)),
				FailMessage: "Keep your chest up, torso is leaning too far forward",
			},
			{
				ID: "knee_symmetry", Name: "Knee symmetry", Severity: SeverityMedium,
				Condition: Condition{
					Type:      ConditionSymmetry,
					Landmarks: []int{pose.LeftHip, pose.LeftKnee, pose.LeftAnkle},
					Mirror:    []int{pose.RightHip, pose.RightKnee, pose.RightAnkle},
					Operator:  OpLessEqual,
					Value:     p.get("max_knee_asymmetry", 20),
				},
				FailMessage: "Bend both knees evenly",
			},
			{
				ID: "shoulders_level", Name: "Shoulders level", Severity: SeverityLow,
				Condition:   levelCond(pose.LeftShoulder, pose.RightShoulder, p.get("max_shoulder_tilt", 10)),
				FailMessage: "Keep your shoulders level",
			},
			{
				ID: "stance_width", Name: "Stance width", Severity: SeverityMedium,
				Condition: Condition{
					Type:      ConditionDistance,
					Landmarks: []int{pose.LeftAnkle, pose.RightAnkle},
					Axis:      AxisX,
					Unit:      UnitCM,
					Operator:  OpBetween,
					Min:       p.get("min_stance_cm", 20),
					Max:       p.get("max_stance_cm", 80),
				},
				ActiveInStates: []string{"up"},
				FailMessage:    "Set your feet about shoulder width apart",
			},
		},
	}, nil
}

// Pushup counts up -> down -> up on the left elbow and keeps the body line straight.
func Pushup(p Params) (Config, error) {
	down, up, err := thresholds(p, "elbow_down_angle", "elbow_up_angle", 90, 150)
	if err != nil {
		return Config{}, err
	}
	n, err := dwell(p)
	if err != nil {
		return Config{}, err
	}
	return Config{
		ExerciseID: "pushup",
		Mode:       ModeReps,
		States: twoStates(
			[]Condition{angleCond(pose.LeftShoulder, pose.LeftElbow, pose.LeftWrist, OpLessEqual, down)},
			[]Condition{angleCond(pose.LeftShoulder, pose.LeftElbow, pose.LeftWrist, OpGreaterEqual, up)},
			n),
		InitialState: "up",
		RepRule:      &RepRule{Sequence: []string{"up", "down", "up"}},
		PrimaryAngle: &PrimaryAngle{Name: "left_elbow", Landmarks: [3]int{pose.LeftShoulder, pose.LeftElbow, pose.LeftWrist}},
		KeyLandmarks: []int{pose.LeftHip, pose.LeftAnkle},
		Checks: []Check{
			{
				ID: "body_line", Name: "Body line", Severity: SeverityHigh,
				Condition:   lineCond(pose.LeftShoulder, pose.LeftHip, pose.LeftAnkle, p.get("max_hip_deviation", 20)),
				FailMessage: "Keep your body in a straight line",
			},
			{
				ID: "elbow_flare", Name: "Elbow symmetry", Severity: SeverityLow,
				Condition: Condition{
					Type:      ConditionSymmetry,
					Landmarks: []int{pose.LeftShoulder, pose.LeftElbow, pose.LeftWrist},
					Mirror:    []int{pose.RightShoulder, pose.RightElbow, pose.RightWrist},
					Operator:  OpLessEqual,
					Value:     p.get("max_elbow_asymmetry", 25),
				},
				FailMessage: "Lower both arms evenly",
			},
		},
	}, nil
}

// Lunge counts on the front (left) knee and checks that the back knee and torso stay controlled.
func Lunge(p Params) (Config, error) {
	down, up, err := thresholds(p, "knee_down_angle", "knee_up_angle", 105, 160)
	if err != nil {
		return Config{}, err
	}
	n, err := dwell(p)
	if err != nil {
		return Config{}, err
	}
	return Config{
		ExerciseID: "lunge",
		Mode:       ModeReps,
		States: twoStates(
			[]Condition{angleCond(pose.LeftHip, pose.LeftKnee, pose.LeftAnkle, OpLessEqual, down)},
			[]Condition{angleCond(pose.LeftHip, pose.LeftKnee, pose.LeftAnkle, OpGreaterEqual, up)},
			n),
		InitialState: "up",
		RepRule:      &RepRule{Sequence: []string{"up", "down", "up"}},
		PrimaryAngle: &PrimaryAngle{Name: "front_knee", Landmarks: [3]int{pose.LeftHip, pose.LeftKnee, pose.LeftAnkle}},
		KeyLandmarks: []int{pose.LeftShoulder, pose.RightHip, pose.RightKnee},
		Checks: []Check{
			{
				ID: "torso_upright", Name: "Torso upright", Severity: SeverityHigh,
				Condition:   inclineCond(pose.LeftShoulder, pose.LeftHip, p.get("max_torso_lean", 25)),
				FailMessage: "Keep your torso upright",
			},
			{
				ID: "front_knee_depth", Name: "Front knee depth", Severity: SeverityMedium,
				Condition:      angleCond(pose.LeftHip, pose.LeftKnee, pose.LeftAnkle, OpGreaterEqual, p.get("min_knee_angle", 70)),
				ActiveInStates: []string{"down"},
				FailMessage:    "Don't let your front knee collapse past your toes",
			},
		},
	}, nil
}

// Plank is a hold exercise: the body line must stay straight and hips level.
func Plank(p Params) (Config, error) {
	return Config{
		ExerciseID:   "plank",
		Mode:         ModeHold,
		KeyLandmarks: []int{pose.LeftShoulder, pose.LeftHip, pose.LeftAnkle},
		Checks: []Check{
			{
				ID: "body_line", Name: "Body line", Severity: SeverityCritical,
				Condition:   lineCond(pose.LeftShoulder, pose.LeftHip, pose.LeftAnkle, p.get("max_hip_deviation", 15)),
				FailMessage: "Hips are sagging or piked, straighten your body",
			},
			{
				ID: "shoulder_stack", Name: "Shoulders over elbows", Severity: SeverityMedium,
				Condition:   inclineCond(pose.LeftShoulder, pose.LeftElbow, p.get("max_shoulder_offset", 20)),
				FailMessage: "Stack your shoulders over your elbows",
			},
		},
	}, nil
}

// #endregion exercises
