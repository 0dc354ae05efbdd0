package services

import (
	"context"
	"sync"
	"time"

	"duocall/internal/core/domain"
)

// JoinGate holds the connect step until the participant has accepted the disclaimer.
// With a positive auto-join delay, acceptance starts a countdown that joins on expiry;
// JoinNow joins early.
type JoinGate struct {
	autoJoinAfter time.Duration

	mu       sync.Mutex
	accepted bool
	joined   bool
	closed   bool
	deadline time.Time
	timer    *time.Timer
	join     chan struct{}
}

type JoinGateStatus struct {
	DisclaimerAccepted bool          `json:"disclaimer_accepted"`
	Joined             bool          `json:"joined"`
	Cancelled          bool          `json:"cancelled"`
	AutoJoinIn         time.Duration `json:"auto_join_in,omitempty"`
}

func NewJoinGate(autoJoinAfter time.Duration) *JoinGate {
	return &JoinGate{
		autoJoinAfter: autoJoinAfter,
		join:          make(chan struct{}),
	}
}

// AcceptDisclaimer records acceptance. Repeating it does not restart the countdown.
func (g *JoinGate) AcceptDisclaimer() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return domain.ErrSessionEnded
	}
	if g.accepted {
		return nil
	}
	g.accepted = true

	if g.autoJoinAfter <= 0 {
		g.openLocked()
		return nil
	}
	g.deadline = time.Now().Add(g.autoJoinAfter)
	g.timer = time.AfterFunc(g.autoJoinAfter, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if !g.closed {
			g.openLocked()
		}
	})
	return nil
}

// JoinNow skips the remaining countdown.
func (g *JoinGate) JoinNow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.closed:
		return domain.ErrSessionEnded
	case !g.accepted:
		return domain.ErrDisclaimerPending
	}
	g.openLocked()
	return nil
}

// Cancel stops the countdown. A cancelled gate never opens.
func (g *JoinGate) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// Wait blocks until the gate opens, ctx is done or ended is closed.
func (g *JoinGate) Wait(ctx context.Context, ended <-chan struct{}) error {
	select {
	case <-g.join:
		return nil
	case <-ended:
		g.Cancel()
		return domain.ErrSessionEnded
	case <-ctx.Done():
		g.Cancel()
		return ctx.Err()
	}
}

func (g *JoinGate) Status() JoinGateStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	status := JoinGateStatus{
		DisclaimerAccepted: g.accepted,
		Joined:             g.joined,
		Cancelled:          g.closed,
	}
	if g.timer != nil && !g.joined && !g.closed {
		if remaining := time.Until(g.deadline); remaining > 0 {
			status.AutoJoinIn = remaining
		}
	}
	return status
}

func (g *JoinGate) openLocked() {
	if g.joined {
		return
	}
	g.joined = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	close(g.join)
}
