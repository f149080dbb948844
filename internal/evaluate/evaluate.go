// Package evaluate derives the server-trusted score for a play attempt from
// state the server recorded at session creation. Client-claimed scores are
// checked against it and never trusted on their own.
package evaluate

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minigames-dev/scoreguard/internal/errors"
)

// Evaluator judges a claimed score against the session's recorded seed and
// elapsed play, returning the validated score that may be persisted.
type Evaluator interface {
	Evaluate(ctx context.Context, seed int64, startedAt, submittedAt time.Time, claimed int64) (int64, error)
}

// Seeded reproduces the deterministic gameplay parameters that the given seed
// produced on the client, computes the score ceiling reachable within the
// elapsed play time, and rejects any claim above it.
type Seeded struct{}

func (Seeded) Evaluate(_ context.Context, seed int64, startedAt, submittedAt time.Time, claimed int64) (int64, error) {
	if claimed < 0 {
		return 0, inconsistent("negative score")
	}

	elapsed := submittedAt.Sub(startedAt)
	if elapsed <= 0 {
		return 0, inconsistent("submitted before play began")
	}

	max := Ceiling(seed, elapsed)
	if claimed > max {
		return 0, inconsistent("score %d exceeds the achievable %d for this session", claimed, max)
	}

	return claimed, nil
}

// Ceiling is the highest score a play seeded with seed can reach in elapsed
// time. The per-second rate is drawn from the seed the same way the client
// game does, so the result is reproducible for validation.
func Ceiling(seed int64, elapsed time.Duration) int64 {
	rng := rand.New(rand.NewSource(seed))

	// Base rate 100-499 points per second, scaled to the full elapsed play
	// with exact decimal arithmetic before truncating.
	rate := decimal.NewFromInt(rng.Int63n(400) + 100)
	seconds := decimal.NewFromFloat(elapsed.Seconds())

	return rate.Mul(seconds).Ceil().IntPart()
}

func inconsistent(format string, args ...any) error {
	return errors.New(errors.CodeInvalidArgument,
		errors.WithMessagef("score validation failed: "+format, args...))
}
