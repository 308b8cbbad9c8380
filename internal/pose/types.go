package pose

// #region landmark-index
// Landmark indices follow the 33-point MediaPipe pose topology.
const (
	Nose           = 0
	LeftEyeInner   = 1
	LeftEye        = 2
	LeftEyeOuter   = 3
	RightEyeInner  = 4
	RightEye       = 5
	RightEyeOuter  = 6
	LeftEar        = 7
	RightEar       = 8
	MouthLeft      = 9
	MouthRight     = 10
	LeftShoulder   = 11
	RightShoulder  = 12
	LeftElbow      = 13
	RightElbow     = 14
	LeftWrist      = 15
	RightWrist     = 16
	LeftPinky      = 17
	RightPinky     = 18
	LeftIndex      = 19
	RightIndex     = 20
	LeftThumb      = 21
	RightThumb     = 22
	LeftHip        = 23
	RightHip       = 24
	LeftKnee       = 25
	RightKnee      = 26
	LeftAnkle      = 27
	RightAnkle     = 28
	LeftHeel       = 29
	RightHeel      = 30
	LeftFootIndex  = 31
	RightFootIndex = 32
	NumLandmarks   = 33
)

// HeadRegion lists the landmarks used to locate the top of the body.
var HeadRegion = []int{
	Nose, LeftEyeInner, LeftEye, LeftEyeOuter, RightEyeInner, RightEye, RightEyeOuter,
	LeftEar, RightEar, MouthLeft, MouthRight,
}

// FootRegion lists the landmarks used to locate the bottom of the body.
var FootRegion = []int{
	LeftAnkle, RightAnkle, LeftHeel, RightHeel, LeftFootIndex, RightFootIndex,
}

// #endregion landmark-index

// #region landmark
// Landmark is one tracked joint in normalized image space.
// A zero Visibility means the producer did not report one; such joints are unusable.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility,omitempty"`
}

// Frame is a fixed-length, index-addressed set of landmarks for one video frame.
type Frame []Landmark

// At returns the landmark at index i and whether the frame contains it.
func (f Frame) At(i int) (Landmark, bool) {
	if i < 0 || i >= len(f) {
		return Landmark{}, false
	}
	return f[i], true
}

// Visible reports whether every listed landmark exists and meets minVisibility.
func (f Frame) Visible(minVisibility float64, indices ...int) bool {
	for _, i := range indices {
		lm, ok := f.At(i)
		if !ok || lm.Visibility < minVisibility {
			return false
		}
	}
	return true
}

// #endregion landmark
