package endpoints

import (
	"errors"
	"strings"
)

// Host is where the control server may be reached.
// PrivateAddress is the internal network address; PublicAddress goes
// through the reverse proxy. At least one must be set.
type Host struct {
	PrivateAddress string `json:"private_address,omitempty"`
	PublicAddress  string `json:"public_address,omitempty"`
}

var ErrNoAddress = errors.New("endpoints: host needs a private or public address")

func (h Host) Validate() error {
	if strings.TrimSpace(h.PrivateAddress) == "" && strings.TrimSpace(h.PublicAddress) == "" {
		return ErrNoAddress
	}
	return nil
}

func (h Host) HasPrivate() bool { return strings.TrimSpace(h.PrivateAddress) != "" }
func (h Host) HasPublic() bool  { return strings.TrimSpace(h.PublicAddress) != "" }

// AccessMode is fixed for a session once bootstrap has picked an address.
type AccessMode int

const (
	AccessUnknown AccessMode = iota
	AccessPrivate
	AccessPublic
)

func (m AccessMode) String() string {
	switch m {
	case AccessPrivate:
		return "private"
	case AccessPublic:
		return "public"
	default:
		return "unknown"
	}
}

func (m AccessMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Pick selects the variant of a server-provided URL pair for this mode.
func (m AccessMode) Pick(private, public string) string {
	if m == AccessPrivate {
		return private
	}
	return public
}

// Join combines a base URL and a relative path with exactly one slash between them.
func Join(base, rel string) string {
	if rel == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(rel, "/")
}
