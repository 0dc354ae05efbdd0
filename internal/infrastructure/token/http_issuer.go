package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/pkg/cache"
	"duocall/pkg/circuitbreaker"
	"duocall/pkg/retry"

	"go.uber.org/zap"
)

// StatusError is a non-2xx answer from the token endpoint.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("token endpoint returned %d", e.StatusCode)
}

// Temporary reports whether a later attempt may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type HTTPIssuerConfig struct {
	URL      string
	APIKey   string
	Timeout  time.Duration
	Attempts int
	// Skew is subtracted from a token's lifetime before it is cached.
	Skew time.Duration
}

// HTTPIssuer fetches transport tokens from a remote issuance endpoint. Tokens are
// reused per session and identity until shortly before they expire.
type HTTPIssuer struct {
	cfg     HTTPIssuerConfig
	client  *http.Client
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	tokens  *cache.Cache[domain.AccessToken]
	clock   ports.Clock
	logger  *zap.SugaredLogger
}

func NewHTTPIssuer(cfg HTTPIssuerConfig, clock ports.Clock, logger *zap.SugaredLogger) *HTTPIssuer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Skew <= 0 {
		cfg.Skew = 30 * time.Second
	}
	if clock == nil {
		clock = ports.SystemClock
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Attempts
	retryCfg.Retryable = temporary

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.IsFailure = temporary
	breakerCfg.Now = clock.Now
	breaker := circuitbreaker.New(breakerCfg)

	i := &HTTPIssuer{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		retry:   retryCfg,
		breaker: breaker,
		tokens:  cache.New[domain.AccessToken](0, clock.Now),
		clock:   clock,
		logger:  logger.Named("token_client"),
	}
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		i.logger.Warnw("token endpoint circuit changed", "from", from.String(), "to", to.String())
	})
	return i
}

// temporary classifies errors worth retrying and counting against the breaker.
// Client errors such as an unknown session are final answers.
func temporary(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return !errors.Is(err, context.Canceled)
}

// Issue implements ports.TokenIssuer.
func (i *HTTPIssuer) Issue(ctx context.Context, sessionID domain.SessionID, identity domain.Identity) (domain.AccessToken, error) {
	key := string(sessionID) + ":" + string(identity)
	return i.tokens.GetOrSet(ctx, key, func(ctx context.Context) (domain.AccessToken, time.Duration, error) {
		token, err := circuitbreaker.Call(ctx, i.breaker, func(ctx context.Context) (domain.AccessToken, error) {
			return retry.Do(ctx, i.retry, func() (domain.AccessToken, error) {
				return i.fetch(ctx, sessionID, identity)
			})
		})
		if err != nil {
			i.logger.Warnw("token request failed", "session_id", sessionID, "identity", identity, "error", err)
			return domain.AccessToken{}, 0, err
		}
		return token, token.ExpiresAt.Sub(i.clock.Now()) - i.cfg.Skew, nil
	})
}

// Invalidate drops a cached token, e.g. after a provider rejected it.
func (i *HTTPIssuer) Invalidate(sessionID domain.SessionID, identity domain.Identity) {
	i.tokens.Delete(string(sessionID) + ":" + string(identity))
}

type issueRequest struct {
	SessionID domain.SessionID `json:"session_id"`
	Identity  domain.Identity  `json:"identity"`
}

func (i *HTTPIssuer) fetch(ctx context.Context, sessionID domain.SessionID, identity domain.Identity) (domain.AccessToken, error) {
	body, err := json.Marshal(issueRequest{SessionID: sessionID, Identity: identity})
	if err != nil {
		return domain.AccessToken{}, retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return domain.AccessToken{}, retry.Permanent(fmt.Errorf("build token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if i.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", i.cfg.APIKey)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		json.Unmarshal(raw, &apiErr)
		message := apiErr.Message
		if message == "" {
			message = apiErr.Error
		}
		return domain.AccessToken{}, &StatusError{StatusCode: resp.StatusCode, Message: message}
	}

	var token domain.AccessToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return domain.AccessToken{}, fmt.Errorf("decode token response: %w", err)
	}
	if token.Value == "" {
		return domain.AccessToken{}, retry.Permanent(fmt.Errorf("token endpoint returned an empty token"))
	}
	return token, nil
}
