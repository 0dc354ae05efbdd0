package domain

type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
	DeviceDesktop DeviceClass = "desktop"
)

type Orientation string

const (
	OrientationPortrait  Orientation = "portrait"
	OrientationLandscape Orientation = "landscape"
)

// PlatformSignals is a raw reading of the host environment. OrientationType mirrors
// the platform orientation API ("portrait-primary", "landscape-secondary", ...);
// OrientationAngle is the legacy angle reading and is nil when unavailable.
type PlatformSignals struct {
	UserAgent        string `json:"user_agent"`
	ViewportWidth    int    `json:"viewport_width"`
	ViewportHeight   int    `json:"viewport_height"`
	ScreenWidth      int    `json:"screen_width"`
	ScreenHeight     int    `json:"screen_height"`
	TouchPoints      int    `json:"touch_points"`
	OrientationType  string `json:"orientation_type"`
	OrientationAngle *int   `json:"orientation_angle"`
}

// DeviceProfile is an immutable snapshot, recomputed on every orientation or resize signal.
type DeviceProfile struct {
	Class          DeviceClass `json:"device_class"`
	Orientation    Orientation `json:"orientation"`
	ViewportWidth  int         `json:"viewport_width"`
	ViewportHeight int         `json:"viewport_height"`
	ScreenWidth    int         `json:"screen_width"`
	ScreenHeight   int         `json:"screen_height"`
}

type Range struct {
	Ideal int `json:"ideal"`
	Max   int `json:"max"`
}

type AudioConstraints struct {
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
	SampleRate       int  `json:"sample_rate"`
}

// CaptureConstraints are the requested camera and microphone parameters.
// AspectRatio zero means unconstrained. AudioOnly requests no video track.
type CaptureConstraints struct {
	Width       Range            `json:"width"`
	Height      Range            `json:"height"`
	AspectRatio float64          `json:"aspect_ratio"`
	FrameRate   Range            `json:"frame_rate"`
	Audio       AudioConstraints `json:"audio"`
	AudioOnly   bool             `json:"audio_only,omitempty"`
}

// DisplayTransform is render-side metadata. Swapping it never touches capture hardware.
type DisplayTransform struct {
	Orientation Orientation `json:"orientation"`
	Rotation    int         `json:"rotation"`
	Mirror      bool        `json:"mirror"`
}
