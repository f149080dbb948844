package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/minigames-dev/scoreguard/internal/errors"
)

// DefaultTTL is how long a session stays usable after creation. Fixed at
// creation, never extended.
const DefaultTTL = time.Hour

// Session binds a server-held random secret and a gameplay seed to one play
// attempt. The only mutation a session ever sees is the single active ->
// consumed transition performed by Consume.
type Session struct {
	ID             string
	Secret         string
	Seed           int64
	CreatedAt      time.Time
	ExpiresAt      time.Time
	IsActive       bool
	ValidatedScore *int64
}

// Expired reports whether the session is past its lifetime at now. An expired
// session is logically absent even before the sweeper removes it.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store sentinel errors. Store implementations return these; the service maps
// them onto the error kinds callers see.
var (
	ErrNotFound = stderrors.New("session not found")
	ErrExpired  = stderrors.New("session expired")
	ErrConsumed = stderrors.New("session already consumed")
)

// Store persists sessions. Consume must be atomic per session: of any number
// of concurrent calls for the same id, exactly one may observe the active
// state and transition it.
type Store interface {
	Insert(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Consume(ctx context.Context, id string, validatedScore int64, now time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type Config struct {
	Store Store
	TTL   time.Duration
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		store: c.Store,
		ttl:   c.TTL,
		now:   c.Now,
	}

	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

// Create issues a new session for a play attempt with the given seed. The
// secret is generated server-side and only ever leaves through Get.
func (s *Service) Create(ctx context.Context, seed int64) (*Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}

	secret, err := newSecret()
	if err != nil {
		return nil, err
	}

	now := s.now()
	ss := &Session{
		ID:        id.String(),
		Secret:    secret,
		Seed:      seed,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		IsActive:  true,
	}

	if err := s.store.Insert(ctx, ss); err != nil {
		return nil, storeUnavailable(err)
	}

	return ss, nil
}

// Get fetches a session. Lazy expiry applies: a session past its ExpiresAt is
// reported expired even if the sweeper has not removed it yet.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	ss, err := s.store.Get(ctx, id)
	switch {
	case stderrors.Is(err, ErrNotFound):
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("session not found"))
	case err != nil:
		return nil, storeUnavailable(err)
	}

	if ss.Expired(s.now()) {
		return nil, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session expired"))
	}

	return ss, nil
}

// Consume transitions the session out of its active state and records the
// validated score. The transition is a compare-and-set on the store: a second
// Consume for the same session fails with the already-consumed kind instead
// of silently re-accepting.
func (s *Service) Consume(ctx context.Context, id string, validatedScore int64) error {
	err := s.store.Consume(ctx, id, validatedScore, s.now())
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, ErrNotFound):
		return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found"))
	case stderrors.Is(err, ErrExpired):
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session expired"))
	case stderrors.Is(err, ErrConsumed):
		return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("session already consumed"))
	default:
		return storeUnavailable(err)
	}
}

// SweepExpired deletes every session past its ExpiresAt, regardless of
// whether it was ever consumed. Meant to run on a schedule, decoupled from
// request handling.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, storeUnavailable(err)
	}

	return n, nil
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}

	return hex.EncodeToString(b), nil
}

func storeUnavailable(err error) error {
	return errors.New(errors.CodeUnavailable,
		errors.WithMessagef("session store unavailable"),
		errors.WithCause(err))
}
