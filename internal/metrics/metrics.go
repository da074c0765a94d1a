// Package metrics keeps lock-free counters describing connection admission.
//
// All methods are safe for concurrent use. A nil *Collector is a valid no-op
// receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks admission statistics for one server.
type Collector struct {
	accepted         atomic.Int64
	registered       atomic.Int64
	rejected         atomic.Int64
	acceptErrors     atomic.Int64
	authErrors       atomic.Int64
	disconnectErrors atomic.Int64
	active           atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// Accepted records a transport handed out by the listener.
func (c *Collector) Accepted() {
	if c == nil {
		return
	}
	c.accepted.Add(1)
}

// Registered records a client admitted into the registry.
func (c *Collector) Registered() {
	if c == nil {
		return
	}
	c.registered.Add(1)
	c.active.Add(1)
}

// Removed records a registered client leaving the registry.
func (c *Collector) Removed() {
	if c == nil {
		return
	}
	c.active.Add(-1)
}

func (c *Collector) Rejected() {
	if c == nil {
		return
	}
	c.rejected.Add(1)
}

func (c *Collector) AcceptError(err error) {
	if c == nil {
		return
	}
	c.acceptErrors.Add(1)
	c.recordError(err)
}

func (c *Collector) AuthError(err error) {
	if c == nil {
		return
	}
	c.authErrors.Add(1)
	c.recordError(err)
}

func (c *Collector) DisconnectError(err error) {
	if c == nil {
		return
	}
	c.disconnectErrors.Add(1)
	c.recordError(err)
}

func (c *Collector) recordError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = err.Error()
	c.mu.Unlock()
}

// Snapshot is a point-in-time view of all counters.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	Accepted         int64  `json:"accepted"`
	Registered       int64  `json:"registered"`
	Rejected         int64  `json:"rejected"`
	Active           int64  `json:"active"`
	AcceptErrors     int64  `json:"accept_errors"`
	AuthErrors       int64  `json:"auth_errors"`
	DisconnectErrors int64  `json:"disconnect_errors"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:           time.Since(c.startTime).Truncate(time.Second).String(),
		Accepted:         c.accepted.Load(),
		Registered:       c.registered.Load(),
		Rejected:         c.rejected.Load(),
		Active:           c.active.Load(),
		AcceptErrors:     c.acceptErrors.Load(),
		AuthErrors:       c.authErrors.Load(),
		DisconnectErrors: c.disconnectErrors.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	data, _ := json.MarshalIndent(c.Snapshot(), "", "  ")
	return string(data)
}
