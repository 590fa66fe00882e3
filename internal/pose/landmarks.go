package pose

// Landmark is one body point. X and Y are normalized to [0, 1] relative to
// the frame; Z is depth relative to the hips (smaller is closer).
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// Frame is the estimate for a single video frame.
type Frame struct {
	Landmarks []Landmark
	Width     int
	Height    int
}

// Connection joins two landmark indexes.
type Connection struct{ A, B int }

// NumLandmarks is the size of the BlazePose topology.
const NumLandmarks = 33

// LandmarkNames lists the BlazePose landmarks by index.
var LandmarkNames = [NumLandmarks]string{
	"nose",
	"left_eye_inner", "left_eye", "left_eye_outer",
	"right_eye_inner", "right_eye", "right_eye_outer",
	"left_ear", "right_ear",
	"mouth_left", "mouth_right",
	"left_shoulder", "right_shoulder",
	"left_elbow", "right_elbow",
	"left_wrist", "right_wrist",
	"left_pinky", "right_pinky",
	"left_index", "right_index",
	"left_thumb", "right_thumb",
	"left_hip", "right_hip",
	"left_knee", "right_knee",
	"left_ankle", "right_ankle",
	"left_heel", "right_heel",
	"left_foot_index", "right_foot_index",
}

// Connections is the skeleton drawn between landmarks.
var Connections = []Connection{
	{0, 1}, {1, 2}, {2, 3}, {3, 7}, {0, 4}, {4, 5}, {5, 6}, {6, 8}, {9, 10},
	{11, 12}, {11, 13}, {13, 15}, {15, 17}, {15, 19}, {15, 21}, {17, 19},
	{12, 14}, {14, 16}, {16, 18}, {16, 20}, {16, 22}, {18, 20},
	{11, 23}, {12, 24}, {23, 24}, {23, 25}, {24, 26}, {25, 27}, {26, 28},
	{27, 29}, {28, 30}, {29, 31}, {30, 32}, {27, 31}, {28, 32},
}

// VisibilityThreshold hides landmarks the engine is unsure about.
const VisibilityThreshold = 0.5

func (l Landmark) visible() bool { return l.Visibility >= VisibilityThreshold }
