package domain

import "time"

// EventType enumerates everything the core reports to the outside world.
type EventType string

const (
	EventStateChanged     EventType = "state.changed"
	EventProviderSwitched EventType = "provider.switched"
	EventProviderFailed   EventType = "provider.failed"
	EventQualityChanged   EventType = "quality.changed"
	EventCaptureAdjusted  EventType = "capture.adjusted"
	EventMediaChanged     EventType = "media.changed"
	EventOrientation      EventType = "orientation.changed"
	EventFatalError       EventType = "error.fatal"
	EventProgress         EventType = "init.progress"
	EventTerminated       EventType = "session.terminated"
)

// Event is the single envelope delivered to sinks.
type Event struct {
	Type      EventType   `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	SessionID SessionID   `json:"session_id"`
	Detail    EventDetail `json:"detail"`
}

// EventDetail is implemented only by the detail types below, so a type switch
// over them is exhaustive.
type EventDetail interface {
	eventType() EventType
}

type StateChange struct {
	From SessionState `json:"from"`
	To   SessionState `json:"to"`
}

type ProviderSwitch struct {
	From    ProviderName `json:"from"`
	To      ProviderName `json:"to"`
	Attempt int          `json:"attempt"`
	Reason  string       `json:"reason"`
}

type ProviderFailure struct {
	Provider ProviderName `json:"provider"`
	Kind     ErrorKind    `json:"kind"`
	Attempt  int          `json:"attempt"`
	Message  string       `json:"message"`
}

type QualityChange struct {
	From  QualityTier     `json:"from"`
	To    QualityTier     `json:"to"`
	Stats ConnectionStats `json:"stats"`
}

type CaptureAdjustment struct {
	Direction string `json:"direction"`
	Level     int    `json:"level"`
	Applied   bool   `json:"applied"`
	Reason    string `json:"reason"`
}

type MediaChange struct {
	State MediaSessionState `json:"state"`
}

type OrientationChange struct {
	Profile   DeviceProfile    `json:"profile"`
	Transform DisplayTransform `json:"transform"`
}

type FatalError struct {
	Kind    ErrorKind `json:"kind"`
	Hint    string    `json:"hint"`
	Message string    `json:"message"`
}

type Progress struct {
	Step    string `json:"step"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

type Termination struct {
	Reason ErrorKind `json:"reason"`
}

func (StateChange) eventType() EventType       { return EventStateChanged }
func (ProviderSwitch) eventType() EventType    { return EventProviderSwitched }
func (ProviderFailure) eventType() EventType   { return EventProviderFailed }
func (QualityChange) eventType() EventType     { return EventQualityChanged }
func (CaptureAdjustment) eventType() EventType { return EventCaptureAdjusted }
func (MediaChange) eventType() EventType       { return EventMediaChanged }
func (OrientationChange) eventType() EventType { return EventOrientation }
func (FatalError) eventType() EventType        { return EventFatalError }
func (Progress) eventType() EventType          { return EventProgress }
func (Termination) eventType() EventType       { return EventTerminated }

// NewEvent stamps detail with its type, the session and the time.
func NewEvent(sessionID SessionID, at time.Time, detail EventDetail) Event {
	return Event{
		Type:      detail.eventType(),
		Timestamp: at,
		SessionID: sessionID,
		Detail:    detail,
	}
}
