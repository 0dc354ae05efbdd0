package services

import (
	"math"
	"regexp"
	"strings"

	"duocall/internal/core/domain"
)

var (
	tabletUA  = regexp.MustCompile(`(?i)ipad|tablet|kindle|silk|playbook`)
	mobileUA  = regexp.MustCompile(`(?i)iphone|ipod|windows phone|blackberry|opera mini|iemobile|mobile`)
	androidUA = regexp.MustCompile(`(?i)android`)
)

const (
	tabletMinWidth = 768
	tabletMaxWidth = 1024

	// viewport aspect must differ from square by more than this to override the sensor
	orientationAspectDelta = 0.3
)

// GetDeviceProfile classifies the device and its orientation from a platform reading.
func GetDeviceProfile(s domain.PlatformSignals) domain.DeviceProfile {
	return domain.DeviceProfile{
		Class:          classifyDevice(s),
		Orientation:    resolveOrientation(s),
		ViewportWidth:  s.ViewportWidth,
		ViewportHeight: s.ViewportHeight,
		ScreenWidth:    s.ScreenWidth,
		ScreenHeight:   s.ScreenHeight,
	}
}

func classifyDevice(s domain.PlatformSignals) domain.DeviceClass {
	ua := s.UserAgent
	switch {
	case tabletUA.MatchString(ua):
		return domain.DeviceTablet
	case androidUA.MatchString(ua) && !strings.Contains(strings.ToLower(ua), "mobile"):
		return domain.DeviceTablet
	case mobileUA.MatchString(ua):
		return domain.DeviceMobile
	}

	if s.TouchPoints <= 0 {
		return domain.DeviceDesktop
	}

	// shorter side, so rotating a phone does not turn it into a tablet
	width := s.ViewportWidth
	if s.ViewportHeight > 0 && s.ViewportHeight < width {
		width = s.ViewportHeight
	}
	switch {
	case width <= 0:
		return domain.DeviceDesktop
	case width < tabletMinWidth:
		return domain.DeviceMobile
	case width <= tabletMaxWidth:
		return domain.DeviceTablet
	default:
		return domain.DeviceDesktop
	}
}

func resolveOrientation(s domain.PlatformSignals) domain.Orientation {
	viewport, aspect, haveViewport := viewportOrientation(s)
	sensor, haveSensor := sensorOrientation(s)

	switch {
	case haveSensor && haveViewport:
		if sensor != viewport && math.Abs(aspect-1) > orientationAspectDelta {
			return viewport
		}
		return sensor
	case haveSensor:
		return sensor
	case haveViewport:
		return viewport
	default:
		return domain.OrientationLandscape
	}
}

func sensorOrientation(s domain.PlatformSignals) (domain.Orientation, bool) {
	if t := strings.ToLower(s.OrientationType); t != "" {
		if strings.HasPrefix(t, "portrait") {
			return domain.OrientationPortrait, true
		}
		if strings.HasPrefix(t, "landscape") {
			return domain.OrientationLandscape, true
		}
	}
	if s.OrientationAngle != nil {
		angle := ((*s.OrientationAngle % 360) + 360) % 360
		if angle == 90 || angle == 270 {
			return domain.OrientationLandscape, true
		}
		return domain.OrientationPortrait, true
	}
	return "", false
}

func viewportOrientation(s domain.PlatformSignals) (domain.Orientation, float64, bool) {
	if s.ViewportWidth <= 0 || s.ViewportHeight <= 0 {
		return "", 0, false
	}
	aspect := float64(s.ViewportWidth) / float64(s.ViewportHeight)
	if s.ViewportHeight > s.ViewportWidth {
		return domain.OrientationPortrait, aspect, true
	}
	return domain.OrientationLandscape, aspect, true
}

type presetKey struct {
	class       domain.DeviceClass
	orientation domain.Orientation
}

// Mobile presets are capped low on purpose to stay within bandwidth and thermal budget.
var capturePresets = map[presetKey]domain.CaptureConstraints{
	{domain.DeviceMobile, domain.OrientationPortrait}: {
		Width:       domain.Range{Ideal: 240, Max: 360},
		Height:      domain.Range{Ideal: 426, Max: 640},
		AspectRatio: 0.5625,
		FrameRate:   domain.Range{Ideal: 20, Max: 24},
		Audio:       mobileAudio,
	},
	{domain.DeviceMobile, domain.OrientationLandscape}: {
		Width:       domain.Range{Ideal: 426, Max: 640},
		Height:      domain.Range{Ideal: 240, Max: 360},
		AspectRatio: 1.7778,
		FrameRate:   domain.Range{Ideal: 20, Max: 24},
		Audio:       mobileAudio,
	},
	{domain.DeviceTablet, domain.OrientationPortrait}: {
		Width:       domain.Range{Ideal: 480, Max: 720},
		Height:      domain.Range{Ideal: 854, Max: 1280},
		AspectRatio: 0.5625,
		FrameRate:   domain.Range{Ideal: 24, Max: 30},
		Audio:       desktopAudio,
	},
	{domain.DeviceTablet, domain.OrientationLandscape}: {
		Width:       domain.Range{Ideal: 854, Max: 1280},
		Height:      domain.Range{Ideal: 480, Max: 720},
		AspectRatio: 1.7778,
		FrameRate:   domain.Range{Ideal: 24, Max: 30},
		Audio:       desktopAudio,
	},
}

var desktopPreset = domain.CaptureConstraints{
	Width:       domain.Range{Ideal: 1280, Max: 1920},
	Height:      domain.Range{Ideal: 720, Max: 1080},
	AspectRatio: 1.7778,
	FrameRate:   domain.Range{Ideal: 30, Max: 30},
	Audio:       desktopAudio,
}

var (
	mobileAudio = domain.AudioConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       16000,
	}
	desktopAudio = domain.AudioConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       48000,
	}
)

// GetCaptureConstraints maps a profile to its fixed preset. Desktop ignores orientation.
func GetCaptureConstraints(profile domain.DeviceProfile) domain.CaptureConstraints {
	if preset, ok := capturePresets[presetKey{profile.Class, profile.Orientation}]; ok {
		return preset
	}
	return desktopPreset
}

// adaptiveConstraints is the second rung of the acquisition ladder.
func adaptiveConstraints(profile domain.DeviceProfile) domain.CaptureConstraints {
	audio := desktopAudio
	if profile.Class == domain.DeviceMobile {
		audio = mobileAudio
	}
	return domain.CaptureConstraints{
		Width:     domain.Range{Ideal: 640, Max: 1280},
		Height:    domain.Range{Ideal: 480, Max: 720},
		FrameRate: domain.Range{Ideal: 24, Max: 30},
		Audio:     audio,
	}
}

// minimalConstraints is the last video rung: small, fixed and widely supported.
func minimalConstraints(profile domain.DeviceProfile) domain.CaptureConstraints {
	audio := desktopAudio
	if profile.Class == domain.DeviceMobile {
		audio = mobileAudio
	}
	return domain.CaptureConstraints{
		Width:       domain.Range{Ideal: 320, Max: 320},
		Height:      domain.Range{Ideal: 240, Max: 240},
		AspectRatio: 1.3333,
		FrameRate:   domain.Range{Ideal: 15, Max: 15},
		Audio:       audio,
	}
}

// displayTransform derives render metadata for a profile.
func displayTransform(profile domain.DeviceProfile, mirror bool) domain.DisplayTransform {
	rotation := 0
	if profile.Class != domain.DeviceDesktop && profile.Orientation == domain.OrientationLandscape {
		rotation = 90
	}
	return domain.DisplayTransform{
		Orientation: profile.Orientation,
		Rotation:    rotation,
		Mirror:      mirror,
	}
}
