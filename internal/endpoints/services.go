package endpoints

import "strings"

// ServiceID identifies a server-side service. The set is closed: names the
// server reports that do not map here are ignored.
type ServiceID int

const (
	ServiceUnknown ServiceID = iota
	ServiceDiscovery
	ServiceAuthentication
	ServiceSessions
	ServiceSubscriptions
	ServiceTelephony
	ServiceUsers
	ServiceRouting
	ServiceMessaging
	ServiceMaintenance
	ServiceDirectory
	ServiceCallCenterAgent
	ServiceCallCenterRealtime
	ServiceCallCenterStatistics
	ServiceCallCenterManagement
	ServiceAnalytics
	ServiceRecording
	ServiceCommunicationLog
	ServicePhoneSetProgramming
	ServiceEventSummary
	ServicePbxManagement
)

var serviceKeys = map[ServiceID]string{
	ServiceDiscovery:            "discovery",
	ServiceAuthentication:       "authenticate",
	ServiceSessions:             "sessions",
	ServiceSubscriptions:        "subscriptions",
	ServiceTelephony:            "telephony",
	ServiceUsers:                "users",
	ServiceRouting:              "routing",
	ServiceMessaging:            "messaging",
	ServiceMaintenance:          "maintenance",
	ServiceDirectory:            "directory",
	ServiceCallCenterAgent:      "ccagent",
	ServiceCallCenterRealtime:   "ccrealtime",
	ServiceCallCenterStatistics: "ccstatistics",
	ServiceCallCenterManagement: "ccmngt",
	ServiceAnalytics:            "analytics",
	ServiceRecording:            "recording",
	ServiceCommunicationLog:     "comlog",
	ServicePhoneSetProgramming:  "phonesetprogramming",
	ServiceEventSummary:         "eventsummary",
	ServicePbxManagement:        "pbxmanagement",
}

// Aliases the server is known to use besides the canonical key.
var serviceAliases = map[string]ServiceID{
	"authentication":       ServiceAuthentication,
	"session":              ServiceSessions,
	"subscription":         ServiceSubscriptions,
	"user":                 ServiceUsers,
	"callcenteragent":      ServiceCallCenterAgent,
	"callcenterrealtime":   ServiceCallCenterRealtime,
	"callcenterstatistics": ServiceCallCenterStatistics,
	"callcentermanagement": ServiceCallCenterManagement,
	"communicationlog":     ServiceCommunicationLog,
	"mngt":                 ServicePbxManagement,
}

func (id ServiceID) String() string {
	if k, ok := serviceKeys[id]; ok {
		return k
	}
	return "unknown"
}

func (id ServiceID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// ParseServiceName maps a server-reported service name onto a ServiceID.
// Matching ignores case, spaces, dashes and underscores.
func ParseServiceName(name string) (ServiceID, bool) {
	key := normalizeName(name)
	for id, k := range serviceKeys {
		if k == key {
			return id, true
		}
	}
	if id, ok := serviceAliases[key]; ok {
		return id, true
	}
	return ServiceUnknown, false
}

// IsTelephonyPath reports whether a relative service URL lives in the
// telephony namespace. The server's name for that service is unreliable.
func IsTelephonyPath(rel string) bool {
	for _, seg := range strings.Split(strings.ToLower(rel), "/") {
		if seg == "telephony" {
			return true
		}
	}
	return false
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "", "-", "", "_", "").Replace(s)
}
