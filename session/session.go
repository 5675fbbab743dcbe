// Package session resolves authenticated callers from bearer tokens and
// session cookies. Token verification is delegated to the external issuer;
// cookie sessions live in the write-through cache under "session:<id>" with a
// 24 hour default lifetime and a small in-process L1 in front.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kubegram/kubegram/runtime/cache"
	"github.com/kubegram/kubegram/runtime/kv"
	"github.com/kubegram/kubegram/runtime/telemetry"
)

// ErrUnauthorized marks a missing, invalid, or expired credential. Callers
// surface it as 401 and never retry.
var ErrUnauthorized = errors.New("session: unauthorized")

// TokenSessionID is the synthetic session id of bearer-authenticated calls.
const TokenSessionID = "token-session"

const (
	keyPrefix  = "session"
	defaultTTL = 24 * time.Hour

	// L1 sizing for session lookups.
	l1Max = 1000
	l1TTL = 5 * time.Minute
)

type (
	// Subject is the issuer's description of an authenticated principal.
	Subject struct {
		Type       string            `json:"type"`
		Properties SubjectProperties `json:"properties"`
	}

	// SubjectProperties carries the principal's identifying attributes. ID is
	// the user id as issued, parsed as a positive integer.
	SubjectProperties struct {
		ID string `json:"id"`
	}

	// Record is the stored form of one session.
	Record struct {
		Subject   Subject    `json:"subject"`
		Provider  string     `json:"provider"`
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	}

	// User is the resolved user record behind a credential.
	User struct {
		ID    int    `json:"id"`
		Email string `json:"email,omitempty"`
		Name  string `json:"name,omitempty"`
	}

	// AuthContext identifies an authenticated call.
	AuthContext struct {
		User      *User  `json:"user"`
		SessionID string `json:"sessionId"`
	}

	// Issuer verifies bearer tokens. Implemented by the external OAuth
	// issuer client.
	Issuer interface {
		Verify(ctx context.Context, token string) (Subject, error)
	}

	// Users resolves user records by id. Implemented by the relational user
	// store.
	Users interface {
		User(ctx context.Context, id int) (*User, error)
	}

	// Options configures the Service.
	Options struct {
		// Store is the L2 key/value store sessions persist in. Required.
		Store kv.Store

		// Issuer verifies bearer tokens. Required.
		Issuer Issuer

		// Users resolves user records. Required.
		Users Users

		// SessionTTL is the default session lifetime. Defaults to 24 h.
		SessionTTL time.Duration

		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Service resolves auth contexts. Safe for concurrent use.
	Service struct {
		sessions *cache.Cache
		issuer   Issuer
		users    Users
		ttl      time.Duration
		logger   telemetry.Logger
	}
)

// New constructs a session Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("kv store is required")
	}
	if opts.Issuer == nil {
		return nil, errors.New("token issuer is required")
	}
	if opts.Users == nil {
		return nil, errors.New("user store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	sessions, err := cache.New(cache.Options{
		Store:     opts.Store,
		KeyPrefix: keyPrefix,
		L1Max:     l1Max,
		L1TTL:     l1TTL,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{
		sessions: sessions,
		issuer:   opts.Issuer,
		users:    opts.Users,
		ttl:      ttl,
		logger:   logger,
	}, nil
}

// AuthenticateBearer resolves an Authorization header value of the form
// "Bearer <token>". The token is verified by the issuer on every call; no
// session record is involved.
func (s *Service) AuthenticateBearer(ctx context.Context, authorization string) (*AuthContext, error) {
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || token == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	subject, err := s.issuer.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: token verification: %v", ErrUnauthorized, err)
	}
	user, err := s.resolveUser(ctx, subject)
	if err != nil {
		return nil, err
	}
	return &AuthContext{User: user, SessionID: TokenSessionID}, nil
}

// AuthenticateCookie resolves a session cookie value. Expired sessions are
// deleted on read and reported as unauthorized.
func (s *Service) AuthenticateCookie(ctx context.Context, sessionID string) (*AuthContext, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: missing session cookie", ErrUnauthorized)
	}
	raw, ok, err := s.sessions.Get(ctx, []string{sessionID})
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown or expired session", ErrUnauthorized)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", sessionID, err)
	}
	user, err := s.resolveUser(ctx, rec.Subject)
	if err != nil {
		return nil, err
	}
	return &AuthContext{User: user, SessionID: sessionID}, nil
}

// StoreSession persists a session record. A record without ExpiresAt gets the
// default lifetime; the record expiry doubles as the cache expiry so both
// tiers agree.
func (s *Service) StoreSession(ctx context.Context, sessionID string, rec Record) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if rec.ExpiresAt == nil {
		expiry := time.Now().Add(s.ttl)
		rec.ExpiresAt = &expiry
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.sessions.Set(ctx, []string{sessionID}, raw, rec.ExpiresAt); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// DeleteSession evicts a session from both tiers.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.sessions.Remove(ctx, []string{sessionID}); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// resolveUser turns a verified subject into a user record. Subjects whose id
// does not parse as a positive integer are rejected.
func (s *Service) resolveUser(ctx context.Context, subject Subject) (*User, error) {
	id, err := strconv.Atoi(subject.Properties.ID)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("%w: invalid subject id %q", ErrUnauthorized, subject.Properties.ID)
	}
	user, err := s.users.User(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: user %d: %v", ErrUnauthorized, id, err)
	}
	return user, nil
}
