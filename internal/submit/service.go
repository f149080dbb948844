// Package submit composes the rate limiter, signature verifier, session
// manager, evaluator and leaderboard into the end-to-end accept/reject
// decision for one score submission.
package submit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc/codes"

	"github.com/minigames-dev/scoreguard/internal/errors"
	"github.com/minigames-dev/scoreguard/internal/evaluate"
	"github.com/minigames-dev/scoreguard/internal/event"
	"github.com/minigames-dev/scoreguard/internal/leaderboard"
	"github.com/minigames-dev/scoreguard/internal/ratelimit"
	"github.com/minigames-dev/scoreguard/internal/session"
	"github.com/minigames-dev/scoreguard/internal/signature"
)

const maxNameLen = 32

type Config struct {
	Sessions    *session.Service
	Leaderboard *leaderboard.Service
	Limiter     *ratelimit.Limiter
	Evaluator   evaluate.Evaluator
	EventBus    *event.Bus
	Redis       redis.UniversalClient
	Prefix      string
	// NonceTTL bounds nonce-replay bookkeeping; defaults to the session TTL
	// since a nonce outliving its session can never verify again anyway.
	NonceTTL time.Duration
	// Registerer receives the submission outcome counter; nil disables it.
	Registerer prometheus.Registerer
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	sessions    *session.Service
	leaderboard *leaderboard.Service
	limiter     *ratelimit.Limiter
	evaluator   evaluate.Evaluator
	eb          *event.Bus
	redis       redis.UniversalClient
	prefix      string
	nonceTTL    time.Duration
	now         func() time.Time

	submissions *prometheus.CounterVec
}

func NewService(c Config) *Service {
	s := &Service{
		sessions:    c.Sessions,
		leaderboard: c.Leaderboard,
		limiter:     c.Limiter,
		evaluator:   c.Evaluator,
		eb:          c.EventBus,
		redis:       c.Redis,
		prefix:      c.Prefix,
		nonceTTL:    c.NonceTTL,
		now:         c.Now,

		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scoreguard_submissions_total",
			Help: "Score submissions by outcome.",
		}, []string{"outcome"}),
	}

	if s.nonceTTL <= 0 {
		s.nonceTTL = session.DefaultTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if c.Registerer != nil {
		c.Registerer.MustRegister(s.submissions)
	}

	return s
}

// Submission is one claimed score as received at the boundary. Score is the
// client's claim; it is validated against the session before anything is
// persisted and never reaches the leaderboard as-is.
type Submission struct {
	Name      string `json:"name"`
	Score     int64  `json:"score"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// payload is the exact signed content: every submission field except the
// signature itself, with the name as submitted (pre-sanitization).
func (s Submission) payload() map[string]any {
	return map[string]any{
		"sessionId": s.SessionID,
		"name":      s.Name,
		"score":     s.Score,
		"timestamp": s.Timestamp,
		"nonce":     s.Nonce,
	}
}

type Result struct {
	Entry       leaderboard.Entry
	Position    int
	Leaderboard []leaderboard.Entry
}

// Submit runs the accept/reject state machine for one submission. Every
// failure is terminal for this attempt; nothing is retried internally.
func (s *Service) Submit(ctx context.Context, addr string, sub Submission) (*Result, error) {
	res, err := s.submit(ctx, addr, sub)
	s.submissions.WithLabelValues(outcome(err)).Inc()
	return res, err
}

func (s *Service) submit(ctx context.Context, addr string, sub Submission) (*Result, error) {
	// 1. Rate gate.
	allowed, err := s.limiter.Allow(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("too many requests"))
	}

	// 2. Shape.
	if err := validateShape(sub); err != nil {
		return nil, err
	}

	// 3. Signature, against the session's secret. A missing or expired
	// session fails here before any verification is attempted.
	sess, err := s.sessions.Get(ctx, sub.SessionID)
	if err != nil {
		return nil, err
	}
	if err := signature.Verify(sess.Secret, sub.Signature, sub.payload()); err != nil {
		return nil, err
	}

	// Nonces are single-use per session. Checked after the signature so
	// unauthenticated traffic cannot burn nonces for a live session.
	if err := s.claimNonce(ctx, sess.ID, sub.Nonce); err != nil {
		return nil, err
	}

	// 4. Session validation: derive the trusted score, then consume the
	// session atomically. Elapsed play is measured server-side.
	validated, err := s.evaluator.Evaluate(ctx, sess.Seed, sess.CreatedAt, s.now(), sub.Score)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Consume(ctx, sess.ID, validated); err != nil {
		return nil, err
	}

	// 5. Accept. Sanitization is storage-only; the signature already covered
	// the raw name. If this write fails the session stays consumed: that
	// session cannot be retried, by design.
	entry, rank, err := s.leaderboard.Insert(ctx, leaderboard.Entry{
		Name:        sanitizeName(sub.Name),
		Score:       validated,
		SubmittedAt: s.now(),
	})
	if err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, EventScoreAccepted{Entry: entry, Position: rank})

	board, err := s.leaderboard.Snapshot(ctx)
	if err != nil {
		// The entry is recorded and ranked; a failed snapshot read only
		// degrades the response body.
		slog.ErrorContext(ctx, "submit: leaderboard snapshot failed", "error", err)
		board = []leaderboard.Entry{}
	}

	return &Result{
		Entry:       entry,
		Position:    rank,
		Leaderboard: board,
	}, nil
}

func validateShape(sub Submission) error {
	switch {
	case strings.TrimSpace(sub.Name) == "",
		sub.Score < 0,
		sub.SessionID == "",
		sub.Timestamp <= 0,
		sub.Nonce == "",
		sub.Signature == "":
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid score data"))
	}

	return nil
}

// claimNonce records the nonce for the session, failing if it was seen
// before. Retention is bounded by nonceTTL.
func (s *Service) claimNonce(ctx context.Context, sessionID, nonce string) error {
	key := fmt.Sprintf("%s:nonce:%s:%s", s.prefix, sessionID, signature.Digest(nonce))

	ok, err := s.redis.SetNX(ctx, key, 1, s.nonceTTL).Result()
	if err != nil {
		return errors.New(errors.CodeUnavailable,
			errors.WithMessagef("nonce store unavailable"),
			errors.WithCause(err))
	}
	if !ok {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("nonce already used for this session"))
	}

	return nil
}

// sanitizeName bounds and cleans a display name for storage. Control
// characters and markup-significant characters are stripped, length is
// bounded in runes.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		if unicode.IsControl(r) {
			continue
		}
		switch r {
		case '<', '>', '&', '"', '\'':
			continue
		}
		b.WriteRune(r)
	}

	out := strings.TrimSpace(b.String())
	if runes := []rune(out); len(runes) > maxNameLen {
		out = string(runes[:maxNameLen])
	}
	if out == "" {
		out = "anonymous"
	}

	return out
}

func outcome(err error) string {
	if err == nil {
		return "accepted"
	}

	return codes.Code(errors.Convert(err).Code).String()
}
