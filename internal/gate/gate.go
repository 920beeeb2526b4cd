// Package gate implements the webhook authentication gate: every inbound
// alert passes the path-token, signature, clock-skew, and replay checks, in
// that order, before it may reach the execution relay.
package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tradeforge/sniper-relay/internal/domain"
	"github.com/tradeforge/sniper-relay/internal/noncestore"
)

// Options configures a Gate.
type Options struct {
	PathToken    string
	SharedSecret string

	// MaxSkew bounds abs(now - declared timestamp). Zero means the default
	// of 15 seconds.
	MaxSkew time.Duration

	// NonceTTL is the replay window. Zero means the default of 60 seconds.
	NonceTTL time.Duration

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

const (
	defaultMaxSkew  = 15 * time.Second
	defaultNonceTTL = 60 * time.Second
)

// Gate validates inbound alerts. It holds no mutable state of its own;
// the injected nonce store is the only thing it writes to.
type Gate struct {
	pathToken []byte
	secret    []byte
	maxSkew   time.Duration
	nonceTTL  time.Duration
	nonces    noncestore.Store
	now       func() time.Time
}

// New constructs a Gate backed by the given nonce store.
func New(opts Options, nonces noncestore.Store) (*Gate, error) {
	if opts.PathToken == "" {
		return nil, fmt.Errorf("gate: path token required")
	}
	if opts.SharedSecret == "" {
		return nil, fmt.Errorf("gate: shared secret required")
	}
	if nonces == nil {
		return nil, fmt.Errorf("gate: nonce store required")
	}

	g := &Gate{
		pathToken: []byte(opts.PathToken),
		secret:    []byte(opts.SharedSecret),
		maxSkew:   opts.MaxSkew,
		nonceTTL:  opts.NonceTTL,
		nonces:    nonces,
		now:       opts.Now,
	}
	if g.maxSkew <= 0 {
		g.maxSkew = defaultMaxSkew
	}
	if g.nonceTTL <= 0 {
		g.nonceTTL = defaultNonceTTL
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// Sign computes the hex HMAC-SHA256 of body under secret. Exposed so test
// senders and the alertgen tool produce signatures the same way the gate
// verifies them.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate runs the four checks against an inbound request and returns
// the validated alert on success. The declared signature is the hex
// HMAC-SHA256 of rawBody; an empty signature falls back to comparing the
// payload's body secret. Checks short-circuit in order: path token,
// signature, skew, replay. The nonce is only recorded when everything
// before it passed, and recording it is the sole side effect.
func (g *Gate) Authenticate(ctx context.Context, pathToken string, rawBody []byte, signature string, payload *domain.AlertPayload, meta domain.RequestMeta) (*domain.ValidatedAlert, error) {
	if subtle.ConstantTimeCompare([]byte(pathToken), g.pathToken) != 1 {
		return nil, domain.ErrInvalidPathToken
	}

	if err := g.verifySecret(rawBody, signature, payload.Secret); err != nil {
		return nil, err
	}

	ts, err := payload.ParseTimestamp()
	if err != nil {
		return nil, err
	}
	now := g.now()
	if skew := now.Sub(ts); skew > g.maxSkew || skew < -g.maxSkew {
		return nil, domain.ErrStaleTimestamp
	}

	fresh, err := g.nonces.PutIfAbsent(ctx, payload.Nonce, g.nonceTTL)
	if err != nil {
		return nil, fmt.Errorf("nonce store: %w", err)
	}
	if !fresh {
		return nil, domain.ErrReplayedNonce
	}

	return &domain.ValidatedAlert{
		Payload:    *payload,
		ReceivedAt: now,
		Meta:       meta,
	}, nil
}

func (g *Gate) verifySecret(rawBody []byte, signature, bodySecret string) error {
	if signature != "" {
		want := Sign(string(g.secret), rawBody)
		if subtle.ConstantTimeCompare([]byte(signature), []byte(want)) == 1 {
			return nil
		}
		return domain.ErrInvalidSignature
	}
	if subtle.ConstantTimeCompare([]byte(bodySecret), g.secret) == 1 {
		return nil
	}
	return domain.ErrInvalidSignature
}
