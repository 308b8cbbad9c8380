package replay

import (
	"math"
	"math/rand"

	"github.com/danielpatrickdp/formcheck/internal/pose"
)

// #region synth-options

// SquatOptions shapes a synthetic squat stream.
type SquatOptions struct {
	Reps           int     // repetitions, default 1
	FramesPerPhase int     // frames per descent and per ascent, default 30
	TopAngle       float64 // standing knee angle, default 170
	BottomAngle    float64 // deepest knee angle, default 90
	PauseFrames    int     // standing frames between reps
	FPS            float64 // default 30
	Noise          float64 // uniform jitter on x/y in normalized units
	TorsoLean      float64 // forward lean in degrees, applied at the bottom of each rep
	Seed           int64
}

// DefaultSquatOptions returns a single clean rep at 30 fps.
func DefaultSquatOptions() SquatOptions {
	return SquatOptions{
		Reps:           1,
		FramesPerPhase: 30,
		TopAngle:       170,
		BottomAngle:    90,
		FPS:            30,
	}
}

// #endregion synth-options

// #region synth

// SyntheticSquat builds a fixture of a symmetric side-facing body performing squats.
// Each phase interpolates the knee angle linearly between TopAngle and BottomAngle.
func SyntheticSquat(opts SquatOptions) *Fixture {
	def := DefaultSquatOptions()
	if opts.Reps <= 0 {
		opts.Reps = def.Reps
	}
	if opts.FramesPerPhase < 2 {
		opts.FramesPerPhase = def.FramesPerPhase
	}
	if opts.TopAngle == 0 {
		opts.TopAngle = def.TopAngle
	}
	if opts.BottomAngle == 0 {
		opts.BottomAngle = def.BottomAngle
	}
	if opts.FPS <= 0 {
		opts.FPS = def.FPS
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	var angles, leans []float64
	span := opts.TopAngle - opts.BottomAngle
	last := float64(opts.FramesPerPhase - 1)
	for r := 0; r < opts.Reps; r++ {
		for k := 0; k < opts.FramesPerPhase; k++ {
			angles = append(angles, opts.TopAngle-span*float64(k)/last)
			leans = append(leans, opts.TorsoLean*float64(k)/last)
		}
		for k := 0; k < opts.FramesPerPhase; k++ {
			angles = append(angles, opts.BottomAngle+span*float64(k)/last)
			leans = append(leans, opts.TorsoLean*(1-float64(k)/last))
		}
		for k := 0; k < opts.PauseFrames; k++ {
			angles = append(angles, opts.TopAngle)
			leans = append(leans, 0)
		}
	}

	f := &Fixture{
		Description: "synthetic squat",
		Exercise:    "squat",
		FPS:         opts.FPS,
		Frames:      make([]FixtureFrame, len(angles)),
	}
	for i, a := range angles {
		frame := Body(a, leans[i])
		if opts.Noise > 0 {
			for j := range frame {
				frame[j].X += (rng.Float64()*2 - 1) * opts.Noise
				frame[j].Y += (rng.Float64()*2 - 1) * opts.Noise
			}
		}
		f.Frames[i] = FixtureFrame{
			OffsetMS:  int64(math.Round(float64(i) * 1000 / opts.FPS)),
			Landmarks: frame,
		}
	}
	reps := opts.Reps
	f.Expected = &Expected{ValidReps: &reps}
	return f
}

// Body returns a full 33-landmark skeleton standing on y=0.9 with both knees at kneeDeg
// and the torso leaning forward by leanDeg. Shins stay vertical; the hips drop and move
// back as the knees bend.
func Body(kneeDeg, leanDeg float64) pose.Frame {
	const (
		floor  = 0.9
		shin   = 0.2
		thigh  = 0.2
		torso  = 0.25
		neck   = 0.1
		upper  = 0.12
		fore   = 0.12
		halfW  = 0.08
		center = 0.5
	)
	phi := (180 - kneeDeg) * math.Pi / 180
	lean := leanDeg * math.Pi / 180

	f := make(pose.Frame, pose.NumLandmarks)
	lm := func(x, y float64) pose.Landmark { return pose.Landmark{X: x, Y: y, Visibility: 1} }

	var shoulderMid pose.Landmark
	for _, side := range []struct {
		dx                                int
		shoulder, elbow, wrist, hip, knee int
		ankle, heel, foot                 int
	}{
		{-1, pose.LeftShoulder, pose.LeftElbow, pose.LeftWrist, pose.LeftHip, pose.LeftKnee, pose.LeftAnkle, pose.LeftHeel, pose.LeftFootIndex},
		{1, pose.RightShoulder, pose.RightElbow, pose.RightWrist, pose.RightHip, pose.RightKnee, pose.RightAnkle, pose.RightHeel, pose.RightFootIndex},
	} {
		x := center + float64(side.dx)*halfW
		ankle := lm(x, floor)
		knee := lm(x, floor-shin)
		hip := lm(knee.X-thigh*math.Sin(phi), knee.Y-thigh*math.Cos(phi))
		shoulder := lm(hip.X+torso*math.Sin(lean), hip.Y-torso*math.Cos(lean))
		f[side.ankle] = ankle
		f[side.knee] = knee
		f[side.hip] = hip
		f[side.shoulder] = shoulder
		f[side.elbow] = lm(shoulder.X, shoulder.Y+upper)
		f[side.wrist] = lm(shoulder.X, shoulder.Y+upper+fore)
		f[side.heel] = lm(x-0.02, floor+0.01)
		f[side.foot] = lm(x+0.04, floor+0.01)
		for _, hand := range handIndices(side.dx) {
			f[hand] = lm(shoulder.X, shoulder.Y+upper+fore+0.02)
		}
		shoulderMid.X += shoulder.X / 2
		shoulderMid.Y += shoulder.Y / 2
	}

	headY := shoulderMid.Y - neck
	for _, i := range pose.HeadRegion {
		f[i] = lm(shoulderMid.X, headY)
	}
	f[pose.Nose] = lm(shoulderMid.X+0.02, headY)
	f[pose.LeftEar] = lm(shoulderMid.X-0.03, headY-0.01)
	f[pose.RightEar] = lm(shoulderMid.X+0.03, headY-0.01)
	f[pose.LeftEye] = lm(shoulderMid.X-0.015, headY-0.02)
	f[pose.RightEye] = lm(shoulderMid.X+0.015, headY-0.02)
	return f
}

func handIndices(dx int) []int {
	if dx < 0 {
		return []int{pose.LeftPinky, pose.LeftIndex, pose.LeftThumb}
	}
	return []int{pose.RightPinky, pose.RightIndex, pose.RightThumb}
}

// #endregion synth
