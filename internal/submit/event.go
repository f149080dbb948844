package submit

import "github.com/minigames-dev/scoreguard/internal/leaderboard"

const EventNameScoreAccepted = "score.accepted"

// EventScoreAccepted is published after a submission clears every gate and
// its entry is recorded.
type EventScoreAccepted struct {
	Entry    leaderboard.Entry
	Position int
}

func (EventScoreAccepted) Name() string { return EventNameScoreAccepted }
