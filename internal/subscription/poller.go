package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"pbxlink/internal/endpoints"
	"pbxlink/internal/events"
	"pbxlink/internal/pbxerr"
	"pbxlink/internal/rest"
	"pbxlink/internal/task"
	"pbxlink/internal/transport"
)

// API is the subscriptions service.
type API interface {
	Create(ctx context.Context, req events.Request) (rest.SubscriptionResult, error)
	Delete(ctx context.Context, id string) error
}

// Fetcher performs one blocking chunk fetch against a polling URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]events.Event, error)
}

var (
	ErrStarted = errors.New("subscription: poller already started")
	ErrNoAPI   = errors.New("subscription: subscriptions service not configured")
)

// Poller turns one accepted subscription into a stream of dispatched events.
//
// Events of a chunk are handed to the handler one by one, in order, and the
// next chunk is fetched only after the handler returned for the last one.
// A Poller is used for a single subscription.
type Poller struct {
	api   API
	fetch Fetcher
	mode  endpoints.AccessMode
	log   *slog.Logger

	// Backoff paces retries of failed fetches.
	Backoff Backoff

	// OnLost is called from the polling goroutine when the loop ends on a
	// fatal error, typically pbxerr.ErrSubscriptionGone.
	OnLost func(err error)

	mu      sync.Mutex
	started bool
	id      string
	url     string
	loop    *task.Task
}

func NewPoller(api API, fetch Fetcher, mode endpoints.AccessMode, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{api: api, fetch: fetch, mode: mode, log: log, Backoff: DefaultBackoff()}
}

// Start registers sub with the server and starts polling.
// A refused subscription is returned as a pbxerr.ErrSubscriptionRefused error and is not retried.
// A request that never got an answer is a pbxerr.ErrUnreachable error.
func (p *Poller) Start(ctx context.Context, sub *events.Subscription) error {
	if p.api == nil || p.fetch == nil {
		return ErrNoAPI
	}
	if sub == nil {
		return pbxerr.New(pbxerr.PhaseSubscribe, pbxerr.ErrConfig, "subscription is nil", nil)
	}
	if err := sub.Validate(); err != nil {
		return pbxerr.New(pbxerr.PhaseSubscribe, pbxerr.ErrConfig, "invalid subscription", err)
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrStarted
	}
	p.started = true
	p.mu.Unlock()

	res, err := p.api.Create(ctx, sub.Request())
	if err != nil {
		return createError(err)
	}
	if !res.Accepted() {
		msg := res.Message
		if msg == "" {
			msg = fmt.Sprintf("server answered %q", res.Status)
		}
		return pbxerr.New(pbxerr.PhaseSubscribe, pbxerr.ErrSubscriptionRefused, "subscription refused: "+msg, nil)
	}

	url := p.mode.Pick(res.PrivatePollingURL, res.PublicPollingURL)
	if url == "" {
		p.deleteQuietly(ctx, res.SubscriptionID)
		return pbxerr.New(pbxerr.PhaseSubscribe, pbxerr.ErrSubscriptionRefused,
			fmt.Sprintf("subscription refused: no %s polling url", p.mode), nil)
	}

	log := p.log.With("subscription_id", res.SubscriptionID)
	backoff := p.Backoff.withDefaults()
	handler := sub.Handler

	step := func(ctx context.Context) error {
		chunk, err := p.fetch.Fetch(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if transport.IsStatus(err, http.StatusNotFound, http.StatusGone) {
				return pbxerr.New(pbxerr.PhasePoll, pbxerr.ErrSubscriptionGone,
					fmt.Sprintf("subscription %s no longer exists", res.SubscriptionID), err)
			}
			wait := backoff.Next()
			log.Warn("chunk fetch failed", "err", err, "retry_in_ms", wait.Milliseconds())
			return task.Sleep(ctx, wait)
		}
		backoff.Reset()

		for _, e := range chunk {
			if err := handler.HandleEvent(ctx, e); err != nil {
				log.Warn("event handler failed", "event", e.Name, "err", err)
			}
		}
		return nil
	}

	loop := task.New("event-polling", step,
		task.WithLogger(log),
		task.WithOnExit(func(err error) {
			if p.OnLost != nil {
				p.OnLost(err)
			}
		}),
	)

	p.mu.Lock()
	p.id, p.url, p.loop = res.SubscriptionID, url, loop
	p.mu.Unlock()

	if err := loop.Start(ctx); err != nil {
		p.deleteQuietly(ctx, res.SubscriptionID)
		return err
	}
	log.Info("subscription started", "access_mode", p.mode.String())
	return nil
}

// Stop ends polling, waits for the loop, then deletes the server-side
// subscription. The delete is best-effort: its error is logged and returned,
// but local state is cleared either way.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	loop, id := p.loop, p.id
	p.mu.Unlock()

	if loop == nil {
		return nil
	}
	if err := loop.Stop(); err != nil {
		p.log.Debug("polling loop had ended with error", "subscription_id", id, "err", err)
	}

	var delErr error
	if id != "" {
		if err := p.api.Delete(ctx, id); err != nil {
			p.log.Warn("subscription delete failed", "subscription_id", id, "err", err)
			delErr = fmt.Errorf("subscription: delete %s: %w", id, err)
		} else {
			p.log.Info("subscription deleted", "subscription_id", id)
		}
	}

	p.mu.Lock()
	p.id = ""
	p.mu.Unlock()
	return delErr
}

// createError separates a server that rejected the request (4xx) from one
// that could not be reached or failed on its side.
func createError(err error) error {
	var se *transport.StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
		return pbxerr.New(pbxerr.PhaseSubscribe, pbxerr.ErrSubscriptionRefused,
			fmt.Sprintf("subscription refused: server answered status %d", se.Code), err)
	}
	return pbxerr.New(pbxerr.PhaseSubscribe, pbxerr.ErrUnreachable, "subscription request failed", err)
}

func (p *Poller) deleteQuietly(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := p.api.Delete(ctx, id); err != nil {
		p.log.Warn("subscription cleanup failed", "subscription_id", id, "err", err)
	}
}

func (p *Poller) SubscriptionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *Poller) PollingURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Running reports whether the polling loop is alive.
func (p *Poller) Running() bool {
	p.mu.Lock()
	loop := p.loop
	p.mu.Unlock()
	return loop != nil && !loop.Exited()
}

// Done is closed when the polling loop exits. It is nil before Start succeeds.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	loop := p.loop
	p.mu.Unlock()
	if loop == nil {
		return nil
	}
	return loop.Done()
}

// Err returns the fatal error that ended the loop, if any.
func (p *Poller) Err() error {
	p.mu.Lock()
	loop := p.loop
	p.mu.Unlock()
	if loop == nil {
		return nil
	}
	return loop.Err()
}
