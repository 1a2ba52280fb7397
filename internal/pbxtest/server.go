// Package pbxtest runs an in-process fake of the control server's REST
// surface for tests: discovery, authentication, sessions, subscriptions and
// chunk polling. Every request is recorded in order.
package pbxtest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"pbxlink/internal/auth"
	"pbxlink/internal/rest"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	DefaultLogin    = "alice"
	DefaultPassword = "secret"

	// BasePath is where session-scoped services live.
	BasePath = "/api/rest/1.0"
)

// Call is one request received by the server.
type Call struct {
	Method string
	Path   string
	At     time.Time
}

func (c Call) String() string { return c.Method + " " + c.Path }

type subscription struct {
	queue  []map[string]any
	notify chan struct{}
}

// Server is a fake control server. Configure it before the client connects;
// setters are safe to call at any time.
type Server struct {
	srv    *httptest.Server
	issuer *auth.Issuer

	mu                sync.Mutex
	calls             []Call
	login, password   string
	admin             bool
	ttl               int
	discoveryStatus   int
	versions          []rest.Version
	services          []rest.ServiceEntry
	keepAliveFailures int
	refusal           string
	sessionOpen       bool
	pollWait          time.Duration
	subs              map[string]*subscription
}

// New starts a server. It is closed by Close.
func New() *Server {
	gin.SetMode(gin.TestMode)

	issuer, err := auth.NewIssuer("pbxtest-secret", "pbxtest", time.Hour)
	if err != nil {
		panic(err)
	}

	s := &Server{
		issuer:   issuer,
		login:    DefaultLogin,
		password: DefaultPassword,
		ttl:      60,
		pollWait: 50 * time.Millisecond,
		subs:     make(map[string]*subscription),
		services: []rest.ServiceEntry{
			{Name: "sessions", Version: "1.0", RelativeURL: "/sessions"},
			{Name: "subscriptions", Version: "1.0", RelativeURL: "/subscriptions"},
			{Name: "basicCallControl", Version: "1.0", RelativeURL: "/telephony/basicCall"},
			{Name: "users", Version: "1.0", RelativeURL: "/users"},
			{Name: "maintenance", Version: "1.0", RelativeURL: "/system"},
			{Name: "bogusService", Version: "1.0", RelativeURL: "/bogus"},
		},
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.record)
	s.routes(r)

	s.srv = httptest.NewServer(r)
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/api/rest", s.discover)
	r.GET("/api/rest/authenticate", s.authenticate)

	api := r.Group(BasePath)
	api.Use(auth.RequireUserCookie(s.issuer))
	{
		api.POST("/sessions", s.openSession)
		api.POST("/sessions/keepalive", s.keepAlive)
		api.DELETE("/sessions", s.closeSession)

		api.POST("/subscriptions", s.subscribe)
		api.DELETE("/subscriptions/:id", s.unsubscribe)
		api.GET("/events/:id", s.poll)

		api.GET("/telephony/basicCall/*path", func(c *gin.Context) {
			login, _ := auth.Login(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"login": login, "path": c.Param("path")})
		})

		api.GET("/system/*path", auth.RequireAdmin(), func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"path": c.Param("path")})
		})
	}
}

func (s *Server) Close() { s.srv.Close() }

// URL is the server base URL, with scheme.
func (s *Server) URL() string { return s.srv.URL }

// Addr is host:port, the form a client configures as an address.
func (s *Server) Addr() string { return strings.TrimPrefix(s.srv.URL, "http://") }

// Client returns an http.Client without a cookie jar, for tests that need
// a raw client.
func (s *Server) Client() *http.Client { return s.srv.Client() }

func (s *Server) record(c *gin.Context) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: c.Request.Method, Path: c.Request.URL.Path, At: time.Now()})
	s.mu.Unlock()
	c.Next()
}

// --- configuration ---

func (s *Server) SetCredentials(login, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.login, s.password = login, password
}

// SetTimeToLive sets the session TTL reported at open, in the server's unit.
func (s *Server) SetTimeToLive(ttl int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

func (s *Server) SetAdmin(admin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admin = admin
}

// SetDiscoveryStatus makes discovery answer with code. Zero restores normal answers.
func (s *Server) SetDiscoveryStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discoveryStatus = code
}

// SetVersions replaces the advertised versions. URLs left empty are filled
// with this server's authentication URL.
func (s *Server) SetVersions(v []rest.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = append([]rest.Version(nil), v...)
}

func (s *Server) SetServices(entries []rest.ServiceEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = append([]rest.ServiceEntry(nil), entries...)
}

// FailKeepAlives makes the next n keep-alive calls answer 503.
func (s *Server) FailKeepAlives(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepAliveFailures = n
}

// RefuseSubscriptions makes subscription requests answer REFUSED with msg.
// An empty msg accepts them again.
func (s *Server) RefuseSubscriptions(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refusal = msg
}

// SetPollWait is how long an empty poll is held before answering 204.
func (s *Server) SetPollWait(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollWait = d
}

// --- inspection ---

func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many calls matched method and path.
func (s *Server) Count(method, path string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

func (s *Server) SessionOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionOpen
}

// Subscriptions returns the ids of live subscriptions.
func (s *Server) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for id := range s.subs {
		out = append(out, id)
	}
	return out
}

// Push queues an event on every live subscription.
func (s *Server) Push(name string, fields map[string]any) {
	e := map[string]any{"eventName": name}
	for k, v := range fields {
		e[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.queue = append(sub.queue, e)
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

// DropSubscriptions forgets every subscription, as a server restart would.
// Pollers get 404 on their next fetch.
func (s *Server) DropSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		close(sub.notify)
		delete(s.subs, id)
	}
}

// --- handlers ---

func (s *Server) authURL() string { return s.URL() + "/api/rest/authenticate?version=v1" }

func (s *Server) discover(c *gin.Context) {
	s.mu.Lock()
	status := s.discoveryStatus
	versions := append([]rest.Version(nil), s.versions...)
	s.mu.Unlock()

	if status != 0 {
		c.AbortWithStatusJSON(status, gin.H{"error": "discovery unavailable"})
		return
	}
	if versions == nil {
		versions = []rest.Version{{ID: "v1", Status: rest.VersionStatusCurrent}}
	}
	for i := range versions {
		if versions[i].PublicURL == "" {
			versions[i].PublicURL = s.authURL()
		}
		if versions[i].InternalURL == "" {
			versions[i].InternalURL = s.authURL()
		}
	}
	c.JSON(http.StatusOK, rest.APIVersions{
		ServerInfo: rest.ServerInfo{ProductName: "pbxtest", ProductVersion: rest.ProductVersion{Major: "2", Minor: "7"}},
		Versions:   versions,
	})
}

func (s *Server) authenticate(c *gin.Context) {
	login, password, ok := c.Request.BasicAuth()

	s.mu.Lock()
	valid := ok && login == s.login && password == s.password
	admin := s.admin
	s.mu.Unlock()

	if !valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bad credentials"})
		return
	}
	tok, err := s.issuer.Issue(time.Now(), login, admin)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	http.SetCookie(c.Writer, &http.Cookie{Name: auth.CookieName, Value: tok, Path: "/", HttpOnly: true})

	sessions := s.URL() + BasePath + "/sessions"
	c.JSON(http.StatusOK, rest.AuthResult{Type: "BASIC", PublicURL: sessions, InternalURL: sessions})
}

type openSessionBody struct {
	ApplicationName string `json:"applicationName"`
}

func (s *Server) openSession(c *gin.Context) {
	var body openSessionBody
	if err := c.ShouldBindJSON(&body); err != nil || body.ApplicationName == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "applicationName required"})
		return
	}

	s.mu.Lock()
	s.sessionOpen = true
	info := rest.SessionInfo{
		Admin:          s.admin,
		TimeToLive:     s.ttl,
		PublicBaseURL:  s.URL() + BasePath,
		PrivateBaseURL: s.URL() + BasePath,
		Services:       append([]rest.ServiceEntry(nil), s.services...),
		ExpirationDate: time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, info)
}

func (s *Server) keepAlive(c *gin.Context) {
	s.mu.Lock()
	open := s.sessionOpen
	fail := s.keepAliveFailures > 0
	if fail {
		s.keepAliveFailures--
	}
	s.mu.Unlock()

	switch {
	case !open:
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no session"})
	case fail:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "keepalive unavailable"})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) closeSession(c *gin.Context) {
	s.mu.Lock()
	s.sessionOpen = false
	s.mu.Unlock()
	c.Status(http.StatusNoContent)
}

func (s *Server) subscribe(c *gin.Context) {
	var req struct {
		Filter struct {
			Selectors []struct {
				Names []string `json:"names"`
			} `json:"selectors"`
		} `json:"filter"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Filter.Selectors) == 0 {
		c.JSON(http.StatusOK, rest.SubscriptionResult{Status: "REFUSED", Message: "invalid filter"})
		return
	}

	s.mu.Lock()
	refusal := s.refusal
	s.mu.Unlock()
	if refusal != "" {
		c.JSON(http.StatusOK, rest.SubscriptionResult{Status: "REFUSED", Message: refusal})
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.subs[id] = &subscription{notify: make(chan struct{}, 1)}
	s.mu.Unlock()

	polling := s.URL() + BasePath + "/events/" + id
	c.JSON(http.StatusOK, rest.SubscriptionResult{
		Status:            rest.SubscriptionAccepted,
		SubscriptionID:    id,
		PrivatePollingURL: polling,
		PublicPollingURL:  polling,
	})
}

func (s *Server) unsubscribe(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		close(sub.notify)
		delete(s.subs, id)
	}
	s.mu.Unlock()

	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown subscription"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) poll(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	sub, ok := s.subs[id]
	wait := s.pollWait
	s.mu.Unlock()
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown subscription"})
		return
	}

	if chunk := s.drain(sub); len(chunk) > 0 {
		c.JSON(http.StatusOK, chunk)
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-c.Request.Context().Done():
		return
	case <-timer.C:
	case _, open := <-sub.notify:
		if !open {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown subscription"})
			return
		}
	}

	if chunk := s.drain(sub); len(chunk) > 0 {
		c.JSON(http.StatusOK, chunk)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) drain(sub *subscription) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk := sub.queue
	sub.queue = nil
	return chunk
}
