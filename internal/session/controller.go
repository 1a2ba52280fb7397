package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"pbxlink/internal/auth"
	"pbxlink/internal/bootstrap"
	"pbxlink/internal/endpoints"
	"pbxlink/internal/events"
	"pbxlink/internal/pbxerr"
	"pbxlink/internal/rest"
	"pbxlink/internal/subscription"
	"pbxlink/internal/task"
	"pbxlink/internal/transport"
)

var (
	ErrNotOpen            = errors.New("session: not open")
	ErrClosed             = errors.New("session: closed")
	ErrSubscriptionActive = errors.New("session: a subscription is already active")
	ErrNoTransport        = errors.New("session: transport is nil")
)

// Controller owns one session with the control server: bootstrap,
// authentication, the heartbeat, the optional event subscription and teardown.
//
// Lifecycle operations (Open, ListenEvents, StopEvents, Close) are serialized.
// Accessors never wait on the network.
type Controller struct {
	cfg Config
	t   *transport.Client
	log *slog.Logger

	// op serializes lifecycle operations; mu guards the fields below.
	op sync.Mutex
	mu sync.Mutex

	state     State
	boot      bootstrap.Result
	info      rest.SessionInfo
	table     *endpoints.Table
	services  rest.Registry
	sessions  *rest.Sessions
	heartbeat *task.Task
	poller    *subscription.Poller
	credExp   time.Time

	lastKeepAlive     atomic.Int64
	keepAliveFailures atomic.Int64

	startHeartbeat func(*task.Task, context.Context) error
}

func New(cfg Config, t *transport.Client, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg:            cfg,
		t:              t,
		log:            log.With("login", cfg.Credentials.Login, "application", cfg.ApplicationName),
		startHeartbeat: (*task.Task).Start,
	}
}

// Open bootstraps, authenticates, opens the session and starts the heartbeat.
// A failed Open leaves the controller Unopened so it can be retried.
// Open on an open session is a no-op.
func (c *Controller) Open(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateOpening
	c.mu.Unlock()

	o, err := c.open(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateUnopened
		c.mu.Unlock()
		c.log.Error("session open failed", "err", err)
		return err
	}

	hb := c.newHeartbeat(o.sessions, o.info.TimeToLive)
	if err := c.startHeartbeat(hb, ctx); err != nil {
		if cerr := o.sessions.Close(ctx); cerr != nil {
			c.log.Warn("session close after failed open failed", "err", cerr)
		}
		c.mu.Lock()
		c.state = StateUnopened
		c.mu.Unlock()
		c.log.Error("heartbeat start failed", "err", err)
		return pbxerr.New(pbxerr.PhaseOpen, pbxerr.ErrSessionOpen, "heartbeat start failed", err)
	}

	c.mu.Lock()
	c.boot = o.boot
	c.info = o.info
	c.table = o.table
	c.services = o.services
	c.sessions = o.sessions
	c.credExp = o.credExp
	c.heartbeat = hb
	c.state = StateOpen
	c.mu.Unlock()

	c.log.Info("session opened",
		"access_mode", o.boot.Mode.String(),
		"api_version", o.boot.Version.ID,
		"admin", o.info.Admin,
		"time_to_live", o.info.TimeToLive,
		"services", o.table.Len(),
	)
	return nil
}

type opened struct {
	boot     bootstrap.Result
	info     rest.SessionInfo
	table    *endpoints.Table
	services rest.Registry
	sessions *rest.Sessions
	credExp  time.Time
}

func (c *Controller) open(ctx context.Context) (opened, error) {
	if err := c.cfg.Validate(); err != nil {
		return opened{}, pbxerr.New(pbxerr.PhaseOpen, pbxerr.ErrConfig, "invalid session configuration", err)
	}
	if c.t == nil {
		return opened{}, ErrNoTransport
	}

	table := endpoints.NewTable()
	b := bootstrap.New(rest.NewDiscovery(c.t), c.log)
	if c.cfg.Scheme != "" {
		b.Scheme = c.cfg.Scheme
	}
	boot, err := b.Bootstrap(ctx, c.cfg.Host, c.cfg.APIVersion, table)
	if err != nil {
		return opened{}, err
	}

	authURL, _ := table.Lookup(endpoints.ServiceAuthentication)
	ar, cookies, err := rest.NewAuthentication(c.t, authURL).Authenticate(ctx, c.cfg.Credentials.Login, c.cfg.Credentials.Password)
	if err != nil {
		msg := "authentication request failed"
		if transport.IsStatus(err, http.StatusUnauthorized, http.StatusForbidden) {
			msg = fmt.Sprintf("credentials rejected for %q", c.cfg.Credentials.Login)
		}
		return opened{}, pbxerr.New(pbxerr.PhaseOpen, pbxerr.ErrAuthentication, msg, err)
	}

	var credExp time.Time
	for _, ck := range cookies {
		if ck.Name != auth.CookieName {
			continue
		}
		if exp, ok := auth.CredentialExpiry(ck.Value); ok {
			credExp = exp
			c.log.Debug("session credential issued", "expires_at", exp)
		}
	}

	sessionsURL := boot.Mode.Pick(ar.InternalURL, ar.PublicURL)
	if sessionsURL == "" {
		return opened{}, pbxerr.New(pbxerr.PhaseOpen, pbxerr.ErrAuthentication,
			fmt.Sprintf("server returned no %s sessions url", boot.Mode), nil)
	}
	table.Register(endpoints.ServiceSessions, sessionsURL)

	sessions := rest.NewSessions(c.t, sessionsURL)
	info, err := sessions.Open(ctx, c.cfg.ApplicationName)
	if err != nil {
		return opened{}, pbxerr.New(pbxerr.PhaseOpen, pbxerr.ErrSessionOpen, "session open request failed", err)
	}
	if err := c.populate(table, boot.Mode, info); err != nil {
		// The server holds a session we cannot use.
		if cerr := sessions.Close(ctx); cerr != nil {
			c.log.Warn("session close after failed open failed", "err", cerr)
		}
		return opened{}, err
	}

	return opened{
		boot:     boot,
		info:     info,
		table:    table,
		services: rest.NewRegistry(c.t, table),
		sessions: sessions,
		credExp:  credExp,
	}, nil
}

// populate registers every service the session advertises. Relative URLs
// are joined to the base URL of the access mode.
func (c *Controller) populate(table *endpoints.Table, mode endpoints.AccessMode, info rest.SessionInfo) error {
	base := mode.Pick(info.PrivateBaseURL, info.PublicBaseURL)
	if base == "" {
		return pbxerr.New(pbxerr.PhaseOpen, pbxerr.ErrSessionOpen,
			fmt.Sprintf("session info has no %s base url", mode), nil)
	}

	for _, e := range info.Services {
		id, known := endpoints.ParseServiceName(e.Name)
		// The server names its telephony service inconsistently.
		if endpoints.IsTelephonyPath(e.RelativeURL) {
			id, known = endpoints.ServiceTelephony, true
		}
		if !known {
			c.log.Debug("unknown service skipped", "service", e.Name, "relative_url", e.RelativeURL)
			continue
		}
		table.Register(id, endpoints.Join(base, e.RelativeURL))
	}
	return nil
}

func (c *Controller) newHeartbeat(sessions *rest.Sessions, ttl int) *task.Task {
	if ttl <= 0 {
		ttl = defaultTimeToLive
	}
	period := time.Duration(ttl) * c.cfg.ttlUnit()

	step := func(ctx context.Context) error {
		if err := task.Sleep(ctx, period); err != nil {
			return err
		}
		if err := sessions.KeepAlive(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n := c.keepAliveFailures.Add(1)
			c.log.Warn("session keep-alive failed", "err", err, "failures", n)
			return nil
		}
		c.lastKeepAlive.Store(time.Now().UnixNano())
		return nil
	}
	return task.New("session-heartbeat", step, task.WithLogger(c.log))
}

// ListenEvents registers sub and starts delivering its events. A nil sub is a
// no-op. Only one subscription may be active: a second call returns
// ErrSubscriptionActive until StopEvents, unless the previous poller has
// already ended on its own.
func (c *Controller) ListenEvents(ctx context.Context, sub *events.Subscription) error {
	if sub == nil {
		return nil
	}

	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	state, prev, table, mode := c.state, c.poller, c.table, c.boot.Mode
	c.mu.Unlock()

	if state != StateOpen {
		return ErrNotOpen
	}
	if prev != nil {
		if prev.Running() {
			return ErrSubscriptionActive
		}
		c.log.Info("replacing ended subscription", "err", prev.Err())
		if err := prev.Stop(ctx); err != nil {
			c.log.Debug("ended subscription cleanup failed", "err", err)
		}
		c.mu.Lock()
		c.poller = nil
		c.mu.Unlock()
	}

	subsURL, ok := table.Lookup(endpoints.ServiceSubscriptions)
	if !ok {
		return pbxerr.New(pbxerr.PhaseSubscribe, pbxerr.ErrSubscriptionRefused, "server offers no subscriptions service", nil)
	}

	p := subscription.NewPoller(
		rest.NewSubscriptions(c.t, subsURL),
		rest.NewChunks(c.t, c.cfg.PollTimeout),
		mode,
		c.log,
	)
	p.Backoff = c.cfg.PollBackoff
	p.OnLost = c.cfg.OnSubscriptionLost

	if err := p.Start(ctx, sub); err != nil {
		return err
	}

	c.mu.Lock()
	c.poller = p
	c.mu.Unlock()
	return nil
}

// StopEvents stops the active subscription, if any. The server-side delete is
// best-effort; its error is returned after local cleanup.
func (c *Controller) StopEvents(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	p := c.poller
	c.poller = nil
	c.mu.Unlock()

	if p == nil {
		return nil
	}
	return p.Stop(ctx)
}

// Close tears the session down: subscription, then heartbeat, then the
// server-side session. Every step runs even when an earlier one failed;
// failures are joined into the returned error. Close is idempotent.
func (c *Controller) Close(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return nil
	case StateUnopened:
		c.state = StateClosed
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	p, hb, sessions := c.poller, c.heartbeat, c.sessions
	c.poller = nil
	c.mu.Unlock()

	var errs []error
	if p != nil {
		if err := p.Stop(ctx); err != nil {
			c.log.Warn("subscription teardown failed", "err", err)
			errs = append(errs, err)
		}
	}
	if hb != nil {
		if err := hb.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("session: heartbeat: %w", err))
		}
	}
	if sessions != nil {
		if err := sessions.Close(ctx); err != nil {
			c.log.Warn("session close failed", "err", err)
			errs = append(errs, fmt.Errorf("session: close: %w", err))
		}
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.log.Info("session closed")
	return errors.Join(errs...)
}
