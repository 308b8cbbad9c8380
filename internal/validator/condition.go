package validator

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/formcheck/internal/pose"
)

// #region env
// env is the per-frame context a condition is evaluated in.
type env struct {
	frame         pose.Frame
	minVisibility float64
	scale         float64 // centimeters per normalized unit, 0 when uncalibrated
}

// #endregion env

// #region measure
// landmarks lists every landmark index the condition reads.
func (c Condition) landmarks() []int {
	return append(append([]int{}, c.Landmarks...), c.Mirror...)
}

// needsScale reports whether the condition is expressed in calibrated centimeters.
func (c Condition) needsScale() bool {
	return c.Unit == UnitCM && (c.Type == ConditionDistance || c.Type == ConditionSymmetry)
}

// measure computes the condition's quantity. ok is false when any referenced landmark
// is below the visibility threshold or a required calibration is missing; no geometry
// runs in that case.
func (c Condition) measure(e env) (value float64, ok bool) {
	if !e.frame.Visible(e.minVisibility, c.landmarks()...) {
		return 0, false
	}
	if c.needsScale() && e.scale <= 0 {
		return 0, false
	}

	lm := func(i int) pose.Landmark { return e.frame[c.Landmarks[i]] }
	mirror := func(i int) pose.Landmark { return e.frame[c.Mirror[i]] }
	angle := pose.Angle
	if c.Use3D {
		angle = pose.Angle3D
	}

	switch c.Type {
	case ConditionAngle:
		return angle(lm(0), lm(1), lm(2)), true

	case ConditionDistance:
		a, b := lm(0), lm(1)
		var d float64
		switch c.Axis {
		case AxisX:
			d = math.Abs(b.X - a.X)
		case AxisY:
			d = math.Abs(b.Y - a.Y)
		case AxisXYZ:
			d = pose.Distance3D(a, b)
		default:
			d = pose.Distance2D(a, b)
		}
		if c.Unit == UnitCM {
			d *= e.scale
		}
		return d, true

	case ConditionAlignment:
		if len(c.Landmarks) == 3 {
			return 180 - angle(lm(0), lm(1), lm(2)), true
		}
		if c.Axis == AxisHorizontal {
			return pose.Tilt(lm(0), lm(1)), true
		}
		return pose.Inclination(lm(0), lm(1)), true

	case ConditionSymmetry:
		if len(c.Landmarks) == 3 {
			return math.Abs(angle(lm(0), lm(1), lm(2)) - angle(mirror(0), mirror(1), mirror(2))), true
		}
		d := math.Abs(lm(0).Y - mirror(0).Y)
		if c.Unit == UnitCM {
			d *= e.scale
		}
		return d, true
	}
	return 0, false
}

// #endregion measure

// #region evaluate
// evaluate applies the operator to the measured value. Unmeasurable conditions are false.
func (c Condition) evaluate(e env) (value float64, pass bool) {
	v, ok := c.measure(e)
	if !ok {
		return 0, false
	}
	return v, compare(c.Operator, v, c.Value, c.Min, c.Max)
}

func compare(op Operator, v, threshold, lo, hi float64) bool {
	switch op {
	case OpLess:
		return v < threshold
	case OpGreater:
		return v > threshold
	case OpLessEqual:
		return v <= threshold
	case OpGreaterEqual:
		return v >= threshold
	case OpBetween:
		return v >= lo && v <= hi
	}
	return false
}

// #endregion evaluate

// #region validate-condition
func (c Condition) validate() error {
	arity := map[ConditionType][]int{
		ConditionAngle:     {3},
		ConditionDistance:  {2},
		ConditionAlignment: {2, 3},
		ConditionSymmetry:  {1, 3},
	}
	allowed, ok := arity[c.Type]
	if !ok {
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	if !containsInt(allowed, len(c.Landmarks)) {
		return fmt.Errorf("%s condition needs %v landmarks, got %d", c.Type, allowed, len(c.Landmarks))
	}
	if c.Type == ConditionSymmetry && len(c.Mirror) != len(c.Landmarks) {
		return fmt.Errorf("symmetry condition needs %d mirror landmarks, got %d", len(c.Landmarks), len(c.Mirror))
	}
	for _, i := range c.landmarks() {
		if i < 0 || i >= pose.NumLandmarks {
			return fmt.Errorf("landmark index %d out of range", i)
		}
	}
	switch c.Operator {
	case OpLess, OpGreater, OpLessEqual, OpGreaterEqual:
	case OpBetween:
		if c.Min > c.Max {
			return fmt.Errorf("between range [%v, %v] is empty", c.Min, c.Max)
		}
	default:
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	return nil
}

func containsInt(vals []int, v int) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

// #endregion validate-condition
