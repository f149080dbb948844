package leaderboard

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/minigames-dev/scoreguard/internal/errors"
)

// DefaultSize is the maintained leaderboard window used for qualification
// queries when none is configured.
const DefaultSize = 10

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
	// Size is the top-N window that qualification is measured against.
	Size int
}

// Service stores accepted scores and answers ranking queries. Entries are
// append-only. Entries live in a sorted set scored by the accepted score;
// members embed an inverted acceptance timestamp so redis's lexicographic
// tie-break on equal scores yields earliest-submission-first.
type Service struct {
	redis  redis.UniversalClient
	prefix string
	size   int
}

func NewService(c Config) *Service {
	s := &Service{
		redis:  c.Redis,
		prefix: c.Prefix,
		size:   c.Size,
	}

	if s.size <= 0 {
		s.size = DefaultSize
	}

	return s
}

// Entry is one accepted score. ID is assigned by Insert; client-supplied
// identifiers are never trusted for uniqueness.
type Entry struct {
	ID          string
	Name        string
	Score       int64
	SubmittedAt time.Time
}

// Insert appends the entry and returns it with its server-assigned ID along
// with its 1-based rank. The write and the rank read run in one MULTI/EXEC,
// so the rank reflects the board immediately after this entry's own
// insertion. The rank is exact even when the entry falls outside the
// displayed window.
func (s *Service) Insert(ctx context.Context, e Entry) (Entry, int, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, 0, fmt.Errorf("generate entry ID: %w", err)
	}
	e.ID = id.String()

	member := s.member(e)

	var rankCmd *redis.IntCmd
	_, err = s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.entryKey(e.ID),
			"name", e.Name,
			"score", e.Score,
			"submitted_at", e.SubmittedAt.UnixMilli(),
		)
		p.ZAdd(ctx, s.boardKey(), redis.Z{
			Score:  float64(e.Score),
			Member: member,
		})
		rankCmd = p.ZRevRank(ctx, s.boardKey(), member)
		return nil
	})
	if err != nil {
		return Entry{}, 0, unavailable(err)
	}

	return e, int(rankCmd.Val()) + 1, nil
}

// TopN returns the n highest-ranked entries, best first.
func (s *Service) TopN(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}

	members, err := s.redis.ZRevRange(ctx, s.boardKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		id, ok := entryID(m)
		if !ok {
			continue
		}

		e, err := s.getEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, nil
}

// Snapshot returns the maintained window.
func (s *Service) Snapshot(ctx context.Context) ([]Entry, error) {
	return s.TopN(ctx, s.size)
}

// QualificationThreshold is the minimum score that currently ranks inside
// the maintained window. While the window is not full any non-negative score
// qualifies, so the threshold is zero.
func (s *Service) QualificationThreshold(ctx context.Context) (int64, error) {
	card, err := s.redis.ZCard(ctx, s.boardKey()).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	if card < int64(s.size) {
		return 0, nil
	}

	zs, err := s.redis.ZRevRangeWithScores(ctx, s.boardKey(), int64(s.size-1), int64(s.size-1)).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	if len(zs) == 0 {
		return 0, nil
	}

	return int64(zs[0].Score), nil
}

func (s *Service) getEntry(ctx context.Context, id string) (Entry, error) {
	fields, err := s.redis.HGetAll(ctx, s.entryKey(id)).Result()
	if err != nil {
		return Entry{}, unavailable(err)
	}

	score, err := strconv.ParseInt(fields["score"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %s: parse score: %w", id, err)
	}
	ms, err := strconv.ParseInt(fields["submitted_at"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %s: parse submitted_at: %w", id, err)
	}

	return Entry{
		ID:          id,
		Name:        fields["name"],
		Score:       score,
		SubmittedAt: time.UnixMilli(ms).UTC(),
	}, nil
}

// member builds the sorted-set member for an entry. The fixed-width inverted
// millisecond stamp makes earlier submissions lexicographically greater, so
// they come first in reverse-range reads among equal scores.
func (s *Service) member(e Entry) string {
	return fmt.Sprintf("%019d:%s", math.MaxInt64-e.SubmittedAt.UnixMilli(), e.ID)
}

func entryID(member string) (string, bool) {
	_, id, ok := strings.Cut(member, ":")
	return id, ok
}

func (s *Service) boardKey() string {
	return fmt.Sprintf("%s:board", s.prefix)
}

func (s *Service) entryKey(id string) string {
	return fmt.Sprintf("%s:entry:%s", s.prefix, id)
}

func unavailable(err error) error {
	return errors.New(errors.CodeUnavailable,
		errors.WithMessagef("leaderboard store unavailable"),
		errors.WithCause(err))
}
