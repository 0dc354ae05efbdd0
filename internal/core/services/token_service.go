package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims bind a token to exactly one participant of one session.
type Claims struct {
	SessionID domain.SessionID `json:"session_id"`
	Identity  domain.Identity  `json:"identity"`
	RoomID    string           `json:"room,omitempty"`
	jwt.RegisteredClaims
}

type TokenServiceConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
	// JoinGrace lets participants fetch credentials before the scheduled start.
	JoinGrace time.Duration
}

// TokenService issues and validates HS256 session tokens. With a session
// repository attached, only scheduled participants inside the window get one.
type TokenService struct {
	secret   []byte
	issuer   string
	ttl      time.Duration
	grace    time.Duration
	sessions ports.SessionRepository
	clock    ports.Clock
}

func NewTokenService(cfg TokenServiceConfig, sessions ports.SessionRepository, clock ports.Clock) *TokenService {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if clock == nil {
		clock = ports.SystemClock
	}
	return &TokenService{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		ttl:      cfg.TTL,
		grace:    cfg.JoinGrace,
		sessions: sessions,
		clock:    clock,
	}
}

// Issue implements ports.TokenIssuer.
func (s *TokenService) Issue(ctx context.Context, sessionID domain.SessionID, identity domain.Identity) (domain.AccessToken, error) {
	if sessionID == "" || identity == "" {
		return domain.AccessToken{}, fmt.Errorf("%w: session and identity are required", ErrInvalidToken)
	}
	if err := s.authorize(ctx, sessionID, identity); err != nil {
		return domain.AccessToken{}, err
	}

	now := s.clock.Now()
	expiresAt := now.Add(s.ttl)
	claims := &Claims{
		SessionID: sessionID,
		Identity:  identity,
		RoomID:    string(sessionID),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   string(identity),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("sign token: %w", err)
	}
	return domain.AccessToken{Value: signed, ExpiresAt: expiresAt}, nil
}

func (s *TokenService) authorize(ctx context.Context, sessionID domain.SessionID, identity domain.Identity) error {
	if s.sessions == nil {
		return nil
	}
	record, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if !record.HasParticipant(identity) {
		return domain.ErrNotParticipant
	}
	if !record.JoinableAt(s.clock.Now(), s.grace) {
		return domain.ErrOutsideWindow
	}
	return nil
}

// Validate parses a token and checks signature, issuer and expiry against the injected clock.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.SessionID == "" || claims.Identity == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
