package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pbxlink/internal/endpoints"
	"pbxlink/internal/pbxerr"
	"pbxlink/internal/rest"
)

// DiscoveryPath is where the server publishes its version document.
const DiscoveryPath = "/api/rest"

// Discoverer fetches the version document from a discovery URL.
type Discoverer interface {
	Discover(ctx context.Context, url string) (rest.APIVersions, error)
}

// Bootstrapper resolves one reachable address and one API version before
// a session can be opened.
//
// Order:
//  1. private address, if set
//  2. public address, if set and private failed or is absent
//
// Each address is tried at most once per call. A version problem is terminal
// for the address that answered; it never falls back to the other one.
type Bootstrapper struct {
	discovery Discoverer
	log       *slog.Logger

	// Scheme used to build discovery URLs. Defaults to https.
	Scheme string
}

// Result is the outcome of a successful bootstrap.
type Result struct {
	Mode         endpoints.AccessMode
	Address      string
	DiscoveryURL string
	Version      rest.Version
	Versions     rest.APIVersions
	AuthURL      string
}

func New(d Discoverer, log *slog.Logger) *Bootstrapper {
	if log == nil {
		log = slog.Default()
	}
	return &Bootstrapper{discovery: d, log: log, Scheme: "https"}
}

// Bootstrap runs discovery and version negotiation, then registers the
// discovery and authentication endpoints in table. pinned selects a version
// id; empty means the server's CURRENT version.
func (b *Bootstrapper) Bootstrap(ctx context.Context, host endpoints.Host, pinned string, table *endpoints.Table) (Result, error) {
	if b.discovery == nil {
		return Result{}, errors.New("bootstrap: discoverer is nil")
	}
	if err := host.Validate(); err != nil {
		return Result{}, pbxerr.New(pbxerr.PhaseBootstrap, pbxerr.ErrConfig, "no server address configured", err)
	}

	// A retried bootstrap must not reuse the previous discovery endpoint.
	table.Remove(endpoints.ServiceDiscovery)
	table.Remove(endpoints.ServiceAuthentication)

	var (
		res     Result
		found   bool
		tried   []string
		lastErr error
	)

	if host.HasPrivate() {
		addr := strings.TrimSpace(host.PrivateAddress)
		tried = append(tried, addr)
		url := b.discoveryURL(addr)
		versions, err := b.discovery.Discover(ctx, url)
		if err == nil {
			res = Result{Mode: endpoints.AccessPrivate, Address: addr, DiscoveryURL: url, Versions: versions}
			found = true
		} else {
			lastErr = err
			if !host.HasPublic() {
				return Result{}, unreachable(tried, err)
			}
			b.log.Warn("private address unreachable, trying public", "addr", addr, "err", err)
		}
	}

	if !found && host.HasPublic() {
		addr := strings.TrimSpace(host.PublicAddress)
		tried = append(tried, addr)
		url := b.discoveryURL(addr)
		versions, err := b.discovery.Discover(ctx, url)
		if err != nil {
			return Result{}, unreachable(tried, err)
		}
		res = Result{Mode: endpoints.AccessPublic, Address: addr, DiscoveryURL: url, Versions: versions}
		found = true
	}

	if !found {
		return Result{}, unreachable(tried, lastErr)
	}

	ver, err := selectVersion(res.Versions, pinned)
	if err != nil {
		return Result{}, err
	}
	res.Version = ver
	res.AuthURL = res.Mode.Pick(ver.InternalURL, ver.PublicURL)
	if res.AuthURL == "" {
		return Result{}, pbxerr.New(pbxerr.PhaseBootstrap, pbxerr.ErrUnsupportedVersion,
			fmt.Sprintf("API version %s has no %s authentication url", ver.ID, res.Mode), nil)
	}

	table.Replace(endpoints.ServiceDiscovery, res.DiscoveryURL)
	table.Replace(endpoints.ServiceAuthentication, res.AuthURL)

	b.log.Info("bootstrap complete", "addr", res.Address, "access_mode", res.Mode.String(), "api_version", ver.ID)
	return res, nil
}

func (b *Bootstrapper) discoveryURL(addr string) string {
	if strings.Contains(addr, "://") {
		return endpoints.Join(addr, DiscoveryPath)
	}
	scheme := b.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + strings.TrimRight(addr, "/") + DiscoveryPath
}

func selectVersion(v rest.APIVersions, pinned string) (rest.Version, error) {
	if pinned != "" {
		ver, err := v.Lookup(pinned)
		if err != nil {
			return rest.Version{}, pbxerr.New(pbxerr.PhaseBootstrap, pbxerr.ErrUnsupportedVersion,
				fmt.Sprintf("unsupported API version %q", pinned), err)
		}
		return ver, nil
	}
	ver, err := v.Current()
	if err != nil {
		return rest.Version{}, pbxerr.New(pbxerr.PhaseBootstrap, pbxerr.ErrNoCurrentVersion, "server offers no CURRENT API version", err)
	}
	return ver, nil
}

func unreachable(tried []string, cause error) error {
	return pbxerr.New(pbxerr.PhaseBootstrap, pbxerr.ErrUnreachable,
		fmt.Sprintf("unable to reach server on %s", strings.Join(tried, ", ")), cause)
}
