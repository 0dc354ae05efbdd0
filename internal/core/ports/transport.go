package ports

import (
	"context"

	"duocall/internal/core/domain"
)

// LossHandler is invoked at most once when an established connection drops.
type LossHandler func(err error)

// Transport is the one shape every provider variant conforms to.
// A Transport holds at most one live connection; Connect after Disconnect starts fresh.
type Transport interface {
	Name() domain.ProviderName
	Kind() domain.ProviderKind
	Connect(ctx context.Context, req domain.JoinRequest, media MediaStream, onLost LossHandler) error
	Disconnect(ctx context.Context) error
	Stats(ctx context.Context) (domain.ConnectionStats, error)
}

// Prewarmer is implemented by transports that can do useful work before a session connects.
type Prewarmer interface {
	Prewarm(ctx context.Context, req domain.JoinRequest) error
}

// TokenIssuer hands out short-lived transport credentials.
type TokenIssuer interface {
	Issue(ctx context.Context, sessionID domain.SessionID, identity domain.Identity) (domain.AccessToken, error)
}
