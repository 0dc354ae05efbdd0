package domain

import "time"

type SessionID string
type Identity string
type ProviderName string

// SessionState is a node of the orchestrator state machine.
type SessionState string

const (
	StateInitializing SessionState = "initializing"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateReconnecting SessionState = "reconnecting"
	StateEnded        SessionState = "ended"
	StateFailed       SessionState = "failed"
)

// Terminal reports whether no automatic transition leaves the state.
// Failed still accepts an explicit reconnect or end.
func (s SessionState) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

var transitions = map[SessionState][]SessionState{
	StateInitializing: {StateConnecting, StateFailed, StateEnded},
	StateConnecting:   {StateConnected, StateFailed, StateEnded},
	StateConnected:    {StateReconnecting, StateEnded, StateFailed},
	StateReconnecting: {StateConnecting, StateFailed, StateEnded},
	StateFailed:       {StateReconnecting, StateEnded},
	StateEnded:        {},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to SessionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ProviderKind tags a transport variant.
type ProviderKind string

const (
	ProviderKindP2P    ProviderKind = "p2p"
	ProviderKindHosted ProviderKind = "hosted"
)

// SessionRecord is owned by the scheduling side of the product and read-only here.
type SessionRecord struct {
	ID             SessionID  `json:"id"`
	Participants   []Identity `json:"participants"`
	ScheduledStart time.Time  `json:"scheduled_start"`
	ScheduledEnd   time.Time  `json:"scheduled_end"`
}

// HasParticipant reports whether identity belongs to the session.
func (r *SessionRecord) HasParticipant(identity Identity) bool {
	for _, p := range r.Participants {
		if p == identity {
			return true
		}
	}
	return false
}

// JoinableAt reports whether t falls within the scheduled window, allowing early joins by grace.
func (r *SessionRecord) JoinableAt(t time.Time, grace time.Duration) bool {
	if !r.ScheduledStart.IsZero() && t.Before(r.ScheduledStart.Add(-grace)) {
		return false
	}
	if !r.ScheduledEnd.IsZero() && t.After(r.ScheduledEnd) {
		return false
	}
	return true
}

// AccessToken is a short-lived credential for one transport connect.
type AccessToken struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// JoinRequest is what a transport needs to place the local participant in a room.
type JoinRequest struct {
	SessionID       SessionID
	RoomID          string
	ParticipantName Identity
	Token           AccessToken
}
