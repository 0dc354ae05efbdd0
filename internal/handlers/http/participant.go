package http

import (
	"context"
	"errors"
	"sync"

	"duocall/internal/core/domain"
)

var ErrConsentAnswered = errors.New("consent already answered")

// ConsentPrompt turns the consent question into an API round trip: the
// initializer blocks in RequestConsent until the participant answers. An
// answer given with the join request is used without waiting.
type ConsentPrompt struct {
	answer chan bool

	mu       sync.Mutex
	asked    bool
	answered bool
}

func NewConsentPrompt() *ConsentPrompt {
	return &ConsentPrompt{answer: make(chan bool, 1)}
}

func (p *ConsentPrompt) RequestConsent(ctx context.Context, identity domain.Identity) (bool, error) {
	p.mu.Lock()
	p.asked = true
	p.mu.Unlock()

	select {
	case granted := <-p.answer:
		return granted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Answer records the participant's decision. Only the first answer counts.
func (p *ConsentPrompt) Answer(granted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.answered {
		return ErrConsentAnswered
	}
	p.answered = true
	p.answer <- granted
	return nil
}

// Pending reports whether the initializer is waiting on an answer.
func (p *ConsentPrompt) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.asked && !p.answered
}

// DeviceBoard holds the latest platform reading reported by the client and
// fans changes out to subscribers.
type DeviceBoard struct {
	mu          sync.Mutex
	current     domain.PlatformSignals
	nextID      int
	subscribers map[int]func(domain.PlatformSignals)
}

func NewDeviceBoard(initial domain.PlatformSignals) *DeviceBoard {
	return &DeviceBoard{
		current:     initial,
		subscribers: make(map[int]func(domain.PlatformSignals)),
	}
}

func (b *DeviceBoard) Current() domain.PlatformSignals {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *DeviceBoard) Subscribe(fn func(domain.PlatformSignals)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
}

// Update stores the reading and notifies subscribers outside the lock.
func (b *DeviceBoard) Update(signals domain.PlatformSignals) {
	b.mu.Lock()
	b.current = signals
	fns := make([]func(domain.PlatformSignals), 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(signals)
	}
}

func (b *DeviceBoard) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
