package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/minigames-dev/scoreguard/internal/submit"
)

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	LeaderboardUpdate struct {
		Position    int         `json:"position"`
		Entry       entryView   `json:"entry"`
		Leaderboard []entryView `json:"leaderboard"`
	}
)

// PublishLeaderboardUpdated broadcasts the refreshed board after an accepted
// score so embedding pages can re-render without polling. The protocol is
// anonymous, so one shared channel serves every subscriber.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e submit.EventScoreAccepted) error {
	board, err := a.lb.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("pubsub: snapshot leaderboard: %w", err)
	}

	n := Notification{
		Event: e.Name(),
		Data: LeaderboardUpdate{
			Position:    e.Position,
			Entry:       entryView(e.Entry),
			Leaderboard: toEntryViews(board),
		},
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", e.Name(), err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:leaderboard", a.prefix), b).Err()
}
