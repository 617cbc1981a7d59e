package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"omnidesk/internal/db"
	"omnidesk/internal/models"
)

// Sweeper periodically expires sessions idle past their agent's timeout.
// GetOrCreate expires lazily as well; the sweep catches conversations that
// never receive another message.
type Sweeper struct {
	store    *db.Store
	sessions *Sessions
	cron     *cron.Cron
	timeout  time.Duration
}

func NewSweeper(store *db.Store, sessions *Sessions, schedule string) (*Sweeper, error) {
	sw := &Sweeper{
		store:    store,
		sessions: sessions,
		cron:     cron.New(),
		timeout:  time.Minute,
	}
	if _, err := sw.cron.AddFunc(schedule, sw.run); err != nil {
		return nil, fmt.Errorf("invalid session sweep schedule %q: %w", schedule, err)
	}
	return sw, nil
}

func (sw *Sweeper) Start() {
	sw.cron.Start()
	log.Info().Msg("Session sweeper started")
}

// Stop waits for a running sweep to finish.
func (sw *Sweeper) Stop() {
	<-sw.cron.Stop().Done()
}

func (sw *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sw.timeout)
	defer cancel()
	n, err := sw.Sweep(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Session sweep failed")
		return
	}
	if n > 0 {
		log.Info().Int("expired", n).Msg("Session sweep finished")
	}
}

// Sweep expires idle sessions and returns how many it expired.
func (sw *Sweeper) Sweep(ctx context.Context) (int, error) {
	open, err := sw.store.ListOpenSessionsWithTimeout(ctx)
	if err != nil {
		return 0, err
	}
	now := sw.sessions.now()
	expired := 0
	for i := range open {
		idle := open[i]
		timeout := time.Duration(idle.TimeoutMinutes) * time.Minute
		if now.Sub(idle.LastActivityAt) <= timeout {
			continue
		}
		companyID, err := sw.companyOf(ctx, &idle.AgentSession)
		if err != nil {
			log.Warn().Err(err).Str("sessionID", idle.ID).Msg("Could not resolve session company")
		}
		before := idle.Status
		if err := sw.sessions.Expire(ctx, companyID, &idle.AgentSession); err != nil {
			return expired, err
		}
		if before != idle.Status {
			expired++
		}
	}
	return expired, nil
}

func (sw *Sweeper) companyOf(ctx context.Context, sess *models.AgentSession) (string, error) {
	agent, err := sw.store.GetAgent(ctx, sess.AgentID)
	if err != nil {
		return "", err
	}
	return agent.CompanyID, nil
}
