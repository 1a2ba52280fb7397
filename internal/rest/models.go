package rest

import (
	"errors"
	"fmt"
	"strings"
)

// APIVersions is the discovery document served at /api/rest.
type APIVersions struct {
	ServerInfo ServerInfo `json:"serverInfo"`
	Versions   []Version  `json:"versions"`
}

type ServerInfo struct {
	ProductName    string         `json:"productName,omitempty"`
	ProductVersion ProductVersion `json:"productVersion"`
	HAConfigured   bool           `json:"haConfigured,omitempty"`
}

type ProductVersion struct {
	Major string `json:"major,omitempty"`
	Minor string `json:"minor,omitempty"`
}

// Version is one API version the server offers. PublicURL and InternalURL
// point at the authentication service for that version.
type Version struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	PublicURL   string `json:"publicUrl"`
	InternalURL string `json:"internalUrl"`
}

const VersionStatusCurrent = "CURRENT"

var (
	ErrVersionNotFound  = errors.New("rest: api version not offered by server")
	ErrNoCurrentVersion = errors.New("rest: server has no CURRENT api version")
)

// Lookup returns the version with the given id.
func (v APIVersions) Lookup(id string) (Version, error) {
	for _, ver := range v.Versions {
		if ver.ID == id {
			return ver, nil
		}
	}
	return Version{}, fmt.Errorf("%w: %q", ErrVersionNotFound, id)
}

// Current returns the version flagged CURRENT.
func (v APIVersions) Current() (Version, error) {
	for _, ver := range v.Versions {
		if strings.EqualFold(ver.Status, VersionStatusCurrent) {
			return ver, nil
		}
	}
	return Version{}, ErrNoCurrentVersion
}

// AuthResult carries the sessions service URL pair.
type AuthResult struct {
	Type        string `json:"type,omitempty"`
	PublicURL   string `json:"publicUrl"`
	InternalURL string `json:"internalUrl"`
}

// SessionInfo is returned by session open. TimeToLive is in seconds.
type SessionInfo struct {
	Admin          bool           `json:"admin"`
	TimeToLive     int            `json:"timeToLive"`
	PublicBaseURL  string         `json:"publicBaseUrl"`
	PrivateBaseURL string         `json:"privateBaseUrl"`
	Services       []ServiceEntry `json:"services"`
	ExpirationDate string         `json:"expirationDate,omitempty"`
}

type ServiceEntry struct {
	Name        string `json:"serviceName"`
	Version     string `json:"serviceVersion,omitempty"`
	RelativeURL string `json:"relativeUrl"`
}

type openSessionRequest struct {
	ApplicationName string `json:"applicationName"`
}

// SubscriptionResult is the server's answer to a subscription request.
type SubscriptionResult struct {
	Status            string `json:"status"`
	SubscriptionID    string `json:"subscriptionId"`
	Message           string `json:"message,omitempty"`
	PrivatePollingURL string `json:"privatePollingUrl,omitempty"`
	PublicPollingURL  string `json:"publicPollingUrl,omitempty"`
}

const SubscriptionAccepted = "ACCEPTED"

func (r SubscriptionResult) Accepted() bool {
	return r.Status == SubscriptionAccepted
}
