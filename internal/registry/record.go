// Package registry persists local agent records: identity, location, lifecycle
// status and content fingerprints.
package registry

import (
	"net"
	"strconv"
	"time"

	"github.com/agentregistry-dev/agentrun/internal/manifest"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusUploaded    Status = "uploaded"
	StatusDeployed    Status = "deployed"
	StatusRunning     Status = "running"
	StatusFailed      Status = "failed"
)

// transitions lists the forward moves allowed from each status. Reset is the
// only way back.
var transitions = map[Status][]Status{
	StatusInitialized: {StatusUploaded, StatusDeployed, StatusFailed},
	StatusUploaded:    {StatusDeployed, StatusFailed},
	StatusDeployed:    {StatusRunning, StatusFailed},
	StatusRunning:     {StatusFailed},
	StatusFailed:      {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is allowed. Staying in
// the same status is always allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return s.Valid()
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AgentRecord is the persisted state of one agent.
type AgentRecord struct {
	AgentID            string                `json:"agent_id"`
	AgentPath          string                `json:"agent_path"`
	Host               string                `json:"host,omitempty"`
	Port               int                   `json:"port,omitempty"`
	Framework          string                `json:"framework"`
	Status             Status                `json:"status"`
	ConfigFingerprint  string                `json:"config_fingerprint"`
	ContentFingerprint string                `json:"content_fingerprint"`
	ProjectID          string                `json:"project_id,omitempty"`
	Entrypoints        []manifest.Entrypoint `json:"entrypoints,omitempty"`
	LastError          string                `json:"last_error,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
	LastStartedAt      *time.Time            `json:"last_started_at,omitempty"`
}

// Endpoint is what an invocation needs to reach an agent.
type Endpoint struct {
	AgentID     string
	Host        string
	Port        int
	Framework   string
	Status      Status
	Entrypoints []manifest.Entrypoint
}

// Endpoint returns the resolvable part of the record.
func (r *AgentRecord) Endpoint() Endpoint {
	return Endpoint{
		AgentID:     r.AgentID,
		Host:        r.Host,
		Port:        r.Port,
		Framework:   r.Framework,
		Status:      r.Status,
		Entrypoints: append([]manifest.Entrypoint(nil), r.Entrypoints...),
	}
}

// HasAddress reports whether host and port are set.
func (e Endpoint) HasAddress() bool {
	return e.Host != "" && e.Port > 0
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Transport returns the transport registered for tag. ok is false when the
// record does not know the tag.
func (e Endpoint) Transport(tag string) (manifest.Transport, bool) {
	for _, ep := range e.Entrypoints {
		if ep.Tag == tag {
			return ep.ResolvedTransport(), true
		}
	}
	return "", false
}
