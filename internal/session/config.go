package session

import (
	"errors"
	"strings"
	"time"

	"pbxlink/internal/auth"
	"pbxlink/internal/endpoints"
	"pbxlink/internal/subscription"
)

var ErrNoApplicationName = errors.New("session: application name is required")

const defaultTimeToLive = 60

// Config describes one session. Credentials and the application name are
// checked before any network call.
type Config struct {
	Host            endpoints.Host
	Credentials     auth.Credentials
	ApplicationName string

	// APIVersion pins a version id. Empty selects the server's CURRENT version.
	APIVersion string

	// Scheme for discovery URLs built from bare addresses. Defaults to https.
	Scheme string

	// PollTimeout bounds one chunk fetch. It must exceed the server's long-poll duration.
	PollTimeout time.Duration

	// TimeToLiveUnit is the unit of SessionInfo.TimeToLive. Defaults to time.Second.
	TimeToLiveUnit time.Duration

	// PollBackoff paces retries of failed chunk fetches. Zero uses the defaults.
	PollBackoff subscription.Backoff

	// OnSubscriptionLost is called from the polling goroutine after the loop
	// has ended, when the server no longer knows the subscription. The session
	// stays open. The hook may call StopEvents or ListenEvents, directly or later.
	OnSubscriptionLost func(err error)
}

func (c Config) Validate() error {
	var errs []error
	if err := c.Credentials.Validate(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.ApplicationName) == "" {
		errs = append(errs, ErrNoApplicationName)
	}
	if err := c.Host.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) ttlUnit() time.Duration {
	if c.TimeToLiveUnit <= 0 {
		return time.Second
	}
	return c.TimeToLiveUnit
}
