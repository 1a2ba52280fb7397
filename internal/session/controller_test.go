package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"pbxlink/internal/auth"
	"pbxlink/internal/endpoints"
	"pbxlink/internal/events"
	"pbxlink/internal/pbxerr"
	"pbxlink/internal/pbxtest"
	"pbxlink/internal/subscription"
	"pbxlink/internal/task"
	"pbxlink/internal/transport"
)

func newController(t *testing.T, srv *pbxtest.Server, mut func(*Config)) *Controller {
	t.Helper()
	tr, err := transport.New(transport.Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	cfg := Config{
		Host:            endpoints.Host{PublicAddress: srv.Addr()},
		Credentials:     auth.Credentials{Login: pbxtest.DefaultLogin, Password: pbxtest.DefaultPassword},
		ApplicationName: "pbxlink-test",
		Scheme:          "http",
		PollTimeout:     2 * time.Second,
		TimeToLiveUnit:  time.Millisecond,
		PollBackoff:     subscription.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
	}
	if mut != nil {
		mut(&cfg)
	}
	c := New(cfg, tr, nil)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

type collector struct {
	mu    sync.Mutex
	names []string
}

func (c *collector) HandleEvent(_ context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, e.Name)
	return nil
}

func (c *collector) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func telephonySubscription(h events.Handler) *events.Subscription {
	return events.NewSubscription(h, events.Select(events.CategoryTelephony).For(pbxtest.DefaultLogin))
}

func TestController_OpenPopulatesEndpoints(t *testing.T) {
	srv := pbxtest.New()
	defer srv.Close()
	srv.SetAdmin(true)

	c := newController(t, srv, nil)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("expected open, got %v", c.State())
	}
	if c.AccessMode() != endpoints.AccessPublic {
		t.Fatalf("expected public access, got %v", c.AccessMode())
	}
	if c.Version().ID != "v1" {
		t.Fatalf("expected v1, got %q", c.Version().ID)
	}
	if !c.Info().Admin {
		t.Fatalf("expected admin session")
	}

	eps := c.Endpoints()
	base := srv.URL() + pbxtest.BasePath
	want := map[string]string{
		"sessions":      base + "/sessions",
		"subscriptions": base + "/subscriptions",
		"telephony":     base + "/telephony/basicCall",
		"users":         base + "/users",
		"maintenance":   base + "/system",
	}
	for k, v := range want {
		if eps[k] != v {
			t.Fatalf("endpoint %s: expected %q, got %q", k, v, eps[k])
		}
	}
	if _, ok := eps["bogusService"]; ok {
		t.Fatalf("unknown service must be skipped")
	}

	// The session cookie is replayed on domain calls.
	tel, ok := c.Service(endpoints.ServiceTelephony)
	if !ok {
		t.Fatalf("expected telephony client")
	}
	var out struct {
		Login string `json:"login"`
		Path  string `json:"path"`
	}
	if err := tel.Get(context.Background(), "calls", &out); err != nil {
		t.Fatalf("telephony get: %v", err)
	}
	if out.Login != pbxtest.DefaultLogin || out.Path != "/calls" {
		t.Fatalf("unexpected telephony answer: %+v", out)
	}

	snap := c.Snapshot()
	if snap.CredentialExpiry == nil {
		t.Fatalf("expected credential expiry from the session cookie")
	}
	if snap.AccessMode != "public" || snap.APIVersion != "v1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestController_ConfigErrorsMakeNoNetworkCall(t *testing.T) {
	srv := pbxtest.New()
	defer srv.Close()

	cases := map[string]func(*Config){
		"empty login":    func(c *Config) { c.Credentials.Login = "" },
		"empty password": func(c *Config) { c.Credentials.Password = "" },
		"no application": func(c *Config) { c.ApplicationName = " " },
		"no address":     func(c *Config) { c.Host = endpoints.Host{} },
	}
	for name, mut := range cases {
		c := newController(t, srv, mut)
		err := c.Open(context.Background())
		if !errors.Is(err, pbxerr.ErrConfig) {
			t.Fatalf("%s: expected ErrConfig, got %v", name, err)
		}
		if c.State() != StateUnopened {
			t.Fatalf("%s: expected unopened, got %v", name, c.State())
		}
	}
	if n := len(srv.Calls()); n != 0 {
		t.Fatalf("expected no network call, got %d", n)
	}
}

func TestController_PrivateUnreachableFallsBackToPublic(t *testing.T) {
	srv := pbxtest.New()
	defer srv.Close()

	c := newController(t, srv, func(cfg *Config) {
		cfg.Host = endpoints.Host{PrivateAddress: "127.0.0.1:1", PublicAddress: srv.Addr()}
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if c.AccessMode() != endpoints.AccessPublic {
		t.Fatalf("expected public access, got %v", c.AccessMode())
	}
}

func TestController_DiscoveryFailureNamesAddress(t *testing.T) {
	srv := pbxtest.New()
	defer srv.Close()
	srv.SetDiscoveryStatus(http.StatusServiceUnavailable)

	c := newController(t, srv, nil)
	err := c.Open(context.Background())
	if !errors.Is(err, pbxerr.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if !strings.Contains(err.Error(), srv.Addr()) {
		t.Fatalf("expected address in error: %v", err)
	}
}

func TestController_FailedOpenCanBeRetried(t *testing.T) {
	srv := pbxtest.New()
	defer srv.Close()
	srv.SetCredentials(pbxtest.DefaultLogin, "rotated")

	c := newController(t, srv, nil)
	err := c.Open(context.Background())
	if !errors.Is(err, pbxerr.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if c.State() != StateUnopened {
		t.Fatalf("expected unopened after failure, got %v", c.State())
	}

	srv.SetCredentials(pbxtest.DefaultLogin, pbxtest.DefaultPassword)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("expected open, got %v", c.State())
	}
}

func TestController_HeartbeatSurvivesKeepAliveFailures(t *testing.T) {
	srv := pbxtest.New()
	defer srv.Close()
	srv.SetTimeToLive(10)
	srv.FailKeepAlives(2)

	c := newController(t, srv, nil)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	keepalive := pbxtest.BasePath + "/sessions/keepalive"
	waitFor(t, "keep-alives after failures", func() bool {
		return srv.Count(http.MethodPost, keepalive) >= 4
	})

	snap := c.Snapshot()
	if snap.KeepAliveFailures != 2 {
		t.Fatalf("expected 2 failures, got %d", snap.KeepAliveFailures)
	}
	if snap.LastKeepAlive == nil {
		t.Fatalf("expected a successful keep-alive after the failures")
	}
	if c.State() != StateOpen {
		t.Fatalf("session must stay open, got %v", c.State())
	}
}

func TestController_DeliversEventsInOrder(t *testing.T) {
	srv := pbxtest.New()
	defer srv.Close()

	c := newController(t, srv, nil)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	col := &collector{}
	if err := c.ListenEvents(context.Background(), telephonySubscription(col)); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if c.SubscriptionID() == "" {
		t.Fatalf("expected subscription id")
	}

	for _, name := range []string{"onCallCreated", "onCallModified", "onCallRemoved"} {
		srv.Push(name, map[string]any{"loginName": pbxtest.DefaultLogin})
	}
	waitFor(t, "three events", func() bool { return len(col.seen()) >= 3 })

	got := strings.Join(col.seen(), ",")
	if got != "onCallCreated,onCallModified,onCallRemoved" {
		t.Fatalf("unexpected delivery order: %s", got)
	}
}

func TestController_CloseTearsDownInOrder(t *testing.T) {
	srv := pbxtest.New()
	defer srv.Close()
	srv.SetTimeToLive(5)

	c := newController(t, srv, nil)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	col := &collector{}
	if err := c.ListenEvents(context.Background(), telephonySubscription(col)); err != nil {
		t.Fatalf("listen: %v", err)
	}
	id := c.SubscriptionID()
	srv.Push("onCallCreated", nil)
	waitFor(t, "first event", func() bool { return len(col.seen()) == 1 })

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %v", c.State())
	}

	calls := srv.Calls()
	subDelete, sessDelete := -1, -1
	for i, call := range calls {
		switch {
		case call.Method == http.MethodDelete && call.Path == pbxtest.BasePath+"/subscriptions/"+id:
			subDelete = i
		case call.Method == http.MethodDelete && call.Path == pbxtest.BasePath+"/sessions":
			sessDelete = i
		}
	}
	if subDelete < 0 || sessDelete < 0 || subDelete > sessDelete {
		t.Fatalf("expected subscription delete before session close: %v", calls)
	}
	if rest := calls[sessDelete+1:]; len(rest) > 0 {
		t.Fatalf("unexpected calls after session close: %v", rest)
	}

	// Nothing keeps running once Close has returned.
	time.Sleep(50 * time.Millisecond)
	if n := len(srv.Calls()); n != len(calls) {
		t.Fatalf("background activity after close: %v", srv.Calls()[len(calls):])
	}
	srv.Push("onCallRemoved", nil)
	time.Sleep(20 * time.Millisecond)
	if len(col.seen()) != 1 {
		t.Fatalf("no dispatch may happen after close")
	}
	if srv.SessionOpen() || len(srv.Subscriptions()) != 0 {
		t.Fatalf("server still holds session state")
	}

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := c.Open(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestController_CloseProceedsWhenServerIsGone(t *testing.T) {
	srv := pbxtest.New()
	c := newController(t, srv, nil)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.ListenEvents(context.Background(), telephonySubscription(&collector{})); err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.Close()

	if err := c.Close(context.Background()); err == nil {
		t.Fatalf("expected teardown errors to be reported")
	}
	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %v", c.State())
	}
	if c.SubscriptionID() != "" {
		t.Fatalf("expected local subscription state cleared")
	}
}

func TestController_SecondListenEventsRejected(t *testing.T) {
	srv := pbxtest.New()
	defer srv.Close()

	c := newController(t, srv, nil)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.ListenEvents(context.Background(), telephonySubscription(&collector{})); err != nil {
		t.Fatalf("listen: %v", err)
	}
	first := c.SubscriptionID()

	if err := c.ListenEvents(context.Background(), telephonySubscription(&collector{})); !errors.Is(err, ErrSubscriptionActive) {
		t.Fatalf("expected ErrSubscriptionActive, got %v", err)
	}
	if c.SubscriptionID() != first {
		t.Fatalf("active subscription must be untouched")
	}

	if err := c.StopEvents(context.Background()); err != nil {
		t.Fatalf("stop events: %v", err)
	}
	if err := c.ListenEvents(context.Background(), telephonySubscription(&collector{})); err != nil {
		t.Fatalf("listen after stop: %v", err)
	}
	if c.SubscriptionID() == first {
		t.Fatalf("expected a new subscription")
	}
}

func TestController_ListenEventsGuards(t *testing.T) {
	srv := pbxtest.New()
	defer srv.Close()

	c := newController(t, srv, nil)
	if err := c.ListenEvents(context.Background(), nil); err != nil {
		t.Fatalf("nil subscription must be a no-op, got %v", err)
	}
	if err := c.ListenEvents(context.Background(), telephonySubscription(&collector{})); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestController_RefusedSubscriptionKeepsSession(t *testing.T) {
	srv := pbxtest.New()
	defer srv.Close()
	srv.RefuseSubscriptions("no event licence")

	c := newController(t, srv, nil)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	err := c.ListenEvents(context.Background(), telephonySubscription(&collector{}))
	if !errors.Is(err, pbxerr.ErrSubscriptionRefused) {
		t.Fatalf("expected ErrSubscriptionRefused, got %v", err)
	}
	if !strings.Contains(err.Error(), "subscription refused: no event licence") {
		t.Fatalf("expected server message: %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("session must stay open, got %v", c.State())
	}

	srv.RefuseSubscriptions("")
	if err := c.ListenEvents(context.Background(), telephonySubscription(&collector{})); err != nil {
		t.Fatalf("listen after refusal: %v", err)
	}
}

func TestController_LostSubscriptionCanBeReplaced(t *testing.T) {
	srv := pbxtest.New()
	defer srv.Close()

	lost := make(chan error, 1)
	c := newController(t, srv, func(cfg *Config) {
		cfg.OnSubscriptionLost = func(err error) { lost <- err }
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.ListenEvents(context.Background(), telephonySubscription(&collector{})); err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv.DropSubscriptions()
	select {
	case err := <-lost:
		if !errors.Is(err, pbxerr.ErrSubscriptionGone) {
			t.Fatalf("expected ErrSubscriptionGone, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected subscription loss to be reported")
	}
	waitFor(t, "polling to end", func() bool { return !c.Snapshot().Polling })

	col := &collector{}
	if err := c.ListenEvents(context.Background(), telephonySubscription(col)); err != nil {
		t.Fatalf("replace lost subscription: %v", err)
	}
	srv.Push("onUserStateChanged", nil)
	waitFor(t, "event on replacement", func() bool { return len(col.seen()) == 1 })
}

func TestController_CloseUnopened(t *testing.T) {
	srv := pbxtest.New()
	defer srv.Close()

	c := newController(t, srv, nil)
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %v", c.State())
	}
	if len(srv.Calls()) != 0 {
		t.Fatalf("closing an unopened session must not call the server")
	}
}

func TestController_AdminOnlyServiceFollowsSessionRole(t *testing.T) {
	for _, admin := range []bool{false, true} {
		srv := pbxtest.New()
		srv.SetAdmin(admin)

		c := newController(t, srv, nil)
		if err := c.Open(context.Background()); err != nil {
			srv.Close()
			t.Fatalf("open: %v", err)
		}
		maint, ok := c.Service(endpoints.ServiceMaintenance)
		if !ok {
			srv.Close()
			t.Fatalf("maintenance service not registered")
		}
		var out map[string]any
		err := maint.Get(context.Background(), "status", &out)
		if admin && err != nil {
			t.Fatalf("admin session: %v", err)
		}
		if !admin && !transport.IsStatus(err, http.StatusForbidden) {
			t.Fatalf("expected 403 for non-admin session, got %v", err)
		}
		_ = c.Close(context.Background())
		srv.Close()
	}
}

func TestController_LostHookCanStopAndResubscribe(t *testing.T) {
	srv := pbxtest.New()
	defer srv.Close()

	col := &collector{}
	hookErrs := make(chan error, 2)
	var c *Controller
	c = newController(t, srv, func(cfg *Config) {
		cfg.OnSubscriptionLost = func(error) {
			hookErrs <- c.StopEvents(context.Background())
			hookErrs <- c.ListenEvents(context.Background(), telephonySubscription(col))
		}
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.ListenEvents(context.Background(), telephonySubscription(&collector{})); err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv.DropSubscriptions()
	for i, what := range []string{"StopEvents", "ListenEvents"} {
		select {
		case err := <-hookErrs:
			// StopEvents reports the failed delete of the dropped subscription.
			if i == 1 && err != nil {
				t.Fatalf("%s from lost hook: %v", what, err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("%s from lost hook never returned", what)
		}
	}

	srv.Push("onCallCreated", nil)
	waitFor(t, "event on resubscription", func() bool { return len(col.seen()) == 1 })

	closed := make(chan error, 1)
	go func() { closed <- c.Close(context.Background()) }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("close blocked after resubscribing from lost hook")
	}
}

func TestController_HeartbeatStartFailureFailsOpen(t *testing.T) {
	srv := pbxtest.New()
	defer srv.Close()

	c := newController(t, srv, nil)
	boom := errors.New("boom")
	c.startHeartbeat = func(*task.Task, context.Context) error { return boom }

	err := c.Open(context.Background())
	if !errors.Is(err, pbxerr.ErrSessionOpen) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrSessionOpen wrapping boom, got %v", err)
	}
	if c.State() != StateUnopened {
		t.Fatalf("expected unopened, got %v", c.State())
	}
	if srv.SessionOpen() {
		t.Fatalf("server-side session must be closed")
	}
	if n := srv.Count(http.MethodDelete, pbxtest.BasePath+"/sessions"); n != 1 {
		t.Fatalf("expected one session delete, got %d", n)
	}
}

func TestConfig_ApplicationNameRequired(t *testing.T) {
	cfg := Config{
		Host:        endpoints.Host{PublicAddress: "pbx.example.com"},
		Credentials: auth.Credentials{Login: "alice", Password: "secret"},
	}
	err := cfg.Validate()
	if !errors.Is(err, ErrNoApplicationName) {
		t.Fatalf("expected ErrNoApplicationName, got %v", err)
	}
	if !strings.HasPrefix(ErrNoApplicationName.Error(), "session: ") {
		t.Fatalf("sentinel should carry the package prefix: %q", ErrNoApplicationName)
	}
}
