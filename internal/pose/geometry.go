package pose

import (
	"math"

	"github.com/golang/geo/r3"
)

// #region vectors
// Vec converts a landmark to an r3 vector.
func (l Landmark) Vec() r3.Vector {
	return r3.Vector{X: l.X, Y: l.Y, Z: l.Z}
}

// Midpoint returns the landmark halfway between a and b. Visibility is the lower of the two.
func Midpoint(a, b Landmark) Landmark {
	m := a.Vec().Add(b.Vec()).Mul(0.5)
	return Landmark{X: m.X, Y: m.Y, Z: m.Z, Visibility: math.Min(a.Visibility, b.Visibility)}
}

// #endregion vectors

// #region angles
// Angle returns the angle ABC at vertex b in degrees, measured in the image plane.
// The result is folded into [0, 180].
func Angle(a, b, c Landmark) float64 {
	rad := math.Atan2(c.Y-b.Y, c.X-b.X) - math.Atan2(a.Y-b.Y, a.X-b.X)
	deg := math.Abs(rad * 180 / math.Pi)
	if deg > 180 {
		deg = 360 - deg
	}
	return deg
}

// Angle3D returns the angle ABC at vertex b in degrees using all three coordinates.
// Degenerate segments yield 0.
func Angle3D(a, b, c Landmark) float64 {
	ba := a.Vec().Sub(b.Vec())
	bc := c.Vec().Sub(b.Vec())
	if ba.Norm() == 0 || bc.Norm() == 0 {
		return 0
	}
	return ba.Angle(bc).Degrees()
}

// Inclination returns the angle in degrees between segment a→b and the vertical image axis.
// 0 means the segment is vertical, 90 horizontal.
func Inclination(a, b Landmark) float64 {
	dx := math.Abs(b.X - a.X)
	dy := math.Abs(b.Y - a.Y)
	if dx == 0 && dy == 0 {
		return 0
	}
	return math.Atan2(dx, dy) * 180 / math.Pi
}

// Tilt returns the angle in degrees between segment a→b and the horizontal image axis.
func Tilt(a, b Landmark) float64 {
	if a.X == b.X && a.Y == b.Y {
		return 0
	}
	return 90 - Inclination(a, b)
}

// #endregion angles

// #region distances
// Distance2D is the euclidean distance in the image plane.
func Distance2D(a, b Landmark) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

// Distance3D is the euclidean distance using depth as well.
func Distance3D(a, b Landmark) float64 {
	return a.Vec().Distance(b.Vec())
}

// #endregion distances
