package evaluate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minigames-dev/scoreguard/internal/errors"
	"github.com/minigames-dev/scoreguard/internal/evaluate"
)

var start = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCeiling_Deterministic(t *testing.T) {
	a := evaluate.Ceiling(42, 30*time.Second)
	b := evaluate.Ceiling(42, 30*time.Second)
	require.Equal(t, a, b)

	require.GreaterOrEqual(t, a, int64(100*30), "rate is at least 100 points per second")
	require.LessOrEqual(t, a, int64(500*30), "rate is below 500 points per second")
	require.Greater(t, evaluate.Ceiling(42, time.Minute), a,
		"longer play raises the ceiling")
}

func TestSeeded_AcceptsConsistentClaim(t *testing.T) {
	e := evaluate.Seeded{}

	max := evaluate.Ceiling(42, 30*time.Second)
	got, err := e.Evaluate(context.Background(), 42, start, start.Add(30*time.Second), max/2)
	require.NoError(t, err)
	require.Equal(t, max/2, got)
}

func TestSeeded_Rejects(t *testing.T) {
	e := evaluate.Seeded{}
	max := evaluate.Ceiling(42, 30*time.Second)

	tests := map[string]struct {
		submittedAt time.Time
		claimed     int64
	}{
		"claim above ceiling":    {submittedAt: start.Add(30 * time.Second), claimed: max + 1},
		"negative claim":         {submittedAt: start.Add(30 * time.Second), claimed: -1},
		"submitted before start": {submittedAt: start.Add(-time.Second), claimed: 10},
		"zero elapsed":           {submittedAt: start, claimed: 10},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := e.Evaluate(context.Background(), 42, start, tt.submittedAt, tt.claimed)
			require.Error(t, err)
			require.Equal(t, errors.CodeInvalidArgument, errors.Convert(err).Code)
		})
	}
}
