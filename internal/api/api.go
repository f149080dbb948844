package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/minigames-dev/scoreguard/internal/errors"
	"github.com/minigames-dev/scoreguard/internal/event"
	"github.com/minigames-dev/scoreguard/internal/leaderboard"
	"github.com/minigames-dev/scoreguard/internal/session"
	"github.com/minigames-dev/scoreguard/internal/submit"
)

type Config struct {
	Engine       *gin.Engine
	EventBus     *event.Bus
	Sessions     *session.Service
	Submit       *submit.Service
	Leaderboard  *leaderboard.Service
	Redis        Redis
	PubsubPrefix string
	// Debug exposes diagnostic error detail in responses. Keep off in
	// production.
	Debug bool
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	sessions *session.Service
	submit   *submit.Service
	lb       *leaderboard.Service

	redis  Redis
	prefix string
	debug  bool
}

func New(c Config) *API {
	a := &API{
		sessions: c.Sessions,
		submit:   c.Submit,
		lb:       c.Leaderboard,
		redis:    c.Redis,
		prefix:   c.PubsubPrefix,
		debug:    c.Debug,
	}

	r := c.Engine
	r.POST("/api/sessions", a.CreateSession)
	r.GET("/api/sessions/:id", a.GetSession)
	r.PATCH("/api/sessions/:id", a.UpdateSession)
	r.POST("/api/scores", a.SubmitScore)
	r.GET("/api/leaderboard", a.GetLeaderboard)
	r.GET("/api/qualify", a.CheckQualification)
	r.POST("/api/admin/cleanup", a.Cleanup)

	c.EventBus.Subscribe(submit.EventNameScoreAccepted, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardUpdated(ctx, e.(submit.EventScoreAccepted))
	})

	return a
}

type entryView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Score       int64     `json:"score"`
	SubmittedAt time.Time `json:"submittedAt"`
}

func toEntryViews(entries []leaderboard.Entry) []entryView {
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView(e))
	}
	return out
}

func (a *API) CreateSession(c *gin.Context) {
	var req struct {
		Seed int64 `json:"seed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		a.renderError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid session request"),
			errors.WithCause(err)))
		return
	}

	ss, err := a.sessions.Create(c.Request.Context(), req.Seed)
	if err != nil {
		a.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":   true,
		"sessionId": ss.ID,
	})
}

// GetSession returns the session view, secret included: the client needs it
// to sign its submission. Not found and expired both read as absent here.
func (a *API) GetSession(c *gin.Context) {
	ss, err := a.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if e := errors.Convert(err); e.Code == errors.CodeNotFound || e.Code == errors.CodeFailedPrecondition {
			a.renderError(c, errors.New(errors.CodeNotFound,
				errors.WithMessagef("session not found")))
			return
		}
		a.renderError(c, err)
		return
	}

	view := gin.H{
		"id":        ss.ID,
		"secret":    ss.Secret,
		"seed":      ss.Seed,
		"createdAt": ss.CreatedAt,
		"isActive":  ss.IsActive,
	}
	if ss.ValidatedScore != nil {
		view["validatedScore"] = *ss.ValidatedScore
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"session": view,
	})
}

// UpdateSession accepts the one transition a session supports: deactivation
// with a validated score. Anything else is invalid.
func (a *API) UpdateSession(c *gin.Context) {
	var req struct {
		IsActive       bool   `json:"isActive"`
		ValidatedScore *int64 `json:"validatedScore"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		a.renderError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid session update"),
			errors.WithCause(err)))
		return
	}

	if req.IsActive || req.ValidatedScore == nil {
		a.renderError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("only deactivation with a validated score is supported")))
		return
	}

	if err := a.sessions.Consume(c.Request.Context(), c.Param("id"), *req.ValidatedScore); err != nil {
		a.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *API) SubmitScore(c *gin.Context) {
	var sub submit.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		a.renderError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid score data"),
			errors.WithCause(err)))
		return
	}

	res, err := a.submit.Submit(c.Request.Context(), c.ClientIP(), sub)
	if err != nil {
		a.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":     true,
		"position":    res.Position,
		"leaderboard": toEntryViews(res.Leaderboard),
		"message":     "score accepted",
	})
}

func (a *API) GetLeaderboard(c *gin.Context) {
	board, err := a.lb.Snapshot(c.Request.Context())
	if err != nil {
		// Per the boundary contract, a store fault still carries an empty
		// list.
		e := errors.Convert(err)
		body := gin.H{
			"success":     false,
			"message":     e.Message,
			"leaderboard": []entryView{},
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"leaderboard": toEntryViews(board),
	})
}

func (a *API) CheckQualification(c *gin.Context) {
	score, err := strconv.ParseInt(c.Query("score"), 10, 64)
	if err != nil || score < 0 {
		a.renderError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid score")))
		return
	}

	threshold, err := a.lb.QualificationThreshold(c.Request.Context())
	if err != nil {
		a.renderError(c, err)
		return
	}

	qualifies := score >= threshold
	msg := "score would not make the leaderboard"
	if qualifies {
		msg = "score would make the leaderboard"
	}

	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"qualifies":        qualifies,
		"currentThreshold": threshold,
		"message":          msg,
	})
}

func (a *API) Cleanup(c *gin.Context) {
	n, err := a.sessions.SweepExpired(c.Request.Context())
	if err != nil {
		a.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"deleted": n,
	})
}

func (a *API) renderError(c *gin.Context, err error) {
	e := errors.Convert(err)

	body := gin.H{
		"success": false,
		"message": e.Message,
	}
	if a.debug {
		if cause := e.Cause(); cause != "" {
			body["details"] = cause
		}
	}

	c.JSON(e.HTTPStatusCode(), body)
}
