// Package keepalive pings a URL on a cron schedule, for hosts that suspend
// idle services.
package keepalive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule pings every five minutes.
const DefaultSchedule = "*/5 * * * *"

const requestTimeout = 10 * time.Second

// Pinger issues GET requests to url on schedule.
type Pinger struct {
	url      string
	schedule string
	client   *http.Client
	log      zerolog.Logger
	parser   cron.Parser
	c        *cron.Cron
}

// New creates a Pinger. Schedules accept an optional leading seconds field
// and descriptors such as @every 1m.
func New(url, schedule string, log zerolog.Logger) *Pinger {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Pinger{
		url:      url,
		schedule: schedule,
		client:   &http.Client{Timeout: requestTimeout},
		log:      log,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start schedules the ping. It returns an error for an unparsable schedule.
func (p *Pinger) Start() error {
	p.c = cron.New(cron.WithParser(p.parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := p.c.AddFunc(p.schedule, func() { _ = p.Ping(context.Background()) }); err != nil {
		return fmt.Errorf("keepalive schedule %q: %w", p.schedule, err)
	}
	p.c.Start()
	p.log.Info().Str("url", p.url).Str("schedule", p.schedule).Msg("keepalive started")
	return nil
}

// Stop cancels future pings and waits for a running one.
func (p *Pinger) Stop() {
	if p.c == nil {
		return
	}
	<-p.c.Stop().Done()
}

// Ping performs one request and logs the outcome.
func (p *Pinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.log.Error().Err(err).Msg("keepalive request")
		return err
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn().Err(err).Str("url", p.url).Msg("keepalive failed")
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		p.log.Warn().Int("status", resp.StatusCode).Str("url", p.url).Msg("keepalive got error status")
		return fmt.Errorf("keepalive: status %d", resp.StatusCode)
	}
	p.log.Debug().Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("keepalive ok")
	return nil
}
