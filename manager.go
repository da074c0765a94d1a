package sockgate

import (
	"errors"
	"sync"

	"github.com/chenqinghe/sockgate/internal/metrics"
	"github.com/sirupsen/logrus"
)

// ConnManager is the registry of clients admitted by a Server.
type ConnManager interface {
	// StoreClient admits an authenticated client. On success the client is
	// registered and owned by the manager.
	StoreClient(c *Client) error

	// FindClient finds the registered Client specified by id.
	FindClient(id int64) (*Client, bool)

	// RemoveClient removes the Client from the registry and disconnects it.
	RemoveClient(id int64) error

	// RangeClient passes every registered Client to fn.
	RangeClient(fn func(c *Client))

	// Close disconnects all clients and refuses new ones.
	Close() error
}

var (
	ErrRegistryFull      = errors.New("client registry full")
	ErrDuplicateIdentity = errors.New("identity already connected")
)

// Manager is the default ConnManager.
type Manager struct {
	// mu guards clients, identities and closed
	mu *sync.RWMutex
	// clients stores all registered clients
	clients map[int64]*Client
	// identities maps an authenticated identity to its client
	identities map[string]*Client
	closed     bool

	opts   *NewManagerOptions
	logger logrus.FieldLogger
}

var _ ConnManager = (*Manager)(nil)

type NewManagerOptions struct {
	// MaxClients caps the number of registered clients, 0 means unlimited.
	MaxClients int

	// ExclusiveIdentity permits only one client per identity. If the same
	// identity connects again the previous client is kicked out. Without it
	// a second client with a known identity is refused.
	ExclusiveIdentity bool

	// OnClientRegistered is called after a client joins the registry.
	OnClientRegistered func(c *Client)

	// BeforeClientRemoved is called before a client is disconnected by the registry.
	BeforeClientRemoved func(c *Client)

	// AfterClientRemoved is called after a client is disconnected by the registry.
	AfterClientRemoved func(c *Client)

	Logger  logrus.FieldLogger
	Metrics *metrics.Collector
}

func NewManager(opts *NewManagerOptions) *Manager {
	if opts == nil {
		opts = &NewManagerOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		mu:         &sync.RWMutex{},
		clients:    make(map[int64]*Client),
		identities: make(map[string]*Client),
		opts:       opts,
		logger:     logger,
	}
}

// useMetrics attaches a collector unless one was configured explicitly.
func (m *Manager) useMetrics(c *metrics.Collector) {
	if m.opts.Metrics == nil {
		m.opts.Metrics = c
	}
}

func (m *Manager) StoreClient(c *Client) error {
	identity := c.Identity()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrServerClosed
	}

	var prev *Client
	if identity != "" {
		if p, ok := m.identities[identity]; ok {
			if !m.opts.ExclusiveIdentity {
				m.mu.Unlock()
				return ErrDuplicateIdentity
			}
			prev = p
		}
	}

	count := len(m.clients)
	if prev != nil {
		count--
	}
	if m.opts.MaxClients > 0 && count >= m.opts.MaxClients {
		m.mu.Unlock()
		return ErrRegistryFull
	}

	if !c.markRegistered() {
		m.mu.Unlock()
		return ErrClientClosed
	}

	m.clients[c.Id()] = c
	if identity != "" {
		m.identities[identity] = c
	}
	if prev != nil {
		delete(m.clients, prev.Id())
	}
	m.mu.Unlock()

	m.opts.Metrics.Registered()

	if prev != nil {
		m.logger.WithFields(logrus.Fields{
			"remoteAddr": prev.remoteAddrString(),
			"clientId":   prev.Id(),
			"identity":   identity,
		}).Infoln("same identity connected again, close previous")
		m.disconnect(prev)
	}

	m.logger.WithFields(logrus.Fields{
		"remoteAddr": c.remoteAddrString(),
		"clientId":   c.Id(),
	}).Debugln("client registered")

	if m.opts.OnClientRegistered != nil {
		m.opts.OnClientRegistered(c)
	}

	return nil
}

func (m *Manager) RemoveClient(id int64) error {
	m.mu.Lock()
	c, ok := m.clients[id]
	delete(m.clients, id)
	if ok {
		if identity := c.Identity(); identity != "" && m.identities[identity] == c {
			delete(m.identities, identity)
		}
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	return m.disconnect(c)
}

// disconnect runs the removal hooks around closing a client that has
// already left the maps.
func (m *Manager) disconnect(c *Client) error {
	m.opts.Metrics.Removed()

	if m.opts.BeforeClientRemoved != nil {
		m.opts.BeforeClientRemoved(c)
	}

	if err := c.Disconnect(); err != nil {
		return err
	}

	if m.opts.AfterClientRemoved != nil {
		m.opts.AfterClientRemoved(c)
	}

	return nil
}

func (m *Manager) FindClient(id int64) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[id]
	return c, ok
}

func (m *Manager) FindByIdentity(identity string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.identities[identity]
	return c, ok
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.clients)
}

// RangeClient works on a snapshot, so fn may remove clients.
func (m *Manager) RangeClient(fn func(c *Client)) {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, v := range m.clients {
		clients = append(clients, v)
	}
	m.mu.RUnlock()

	for _, v := range clients {
		fn(v)
	}
}

// Send writes p to c. A client that cannot be reached is removed.
func (m *Manager) Send(codec Codec, p Packet, c *Client) error {
	if err := c.WritePacket(codec, p); err != nil {
		m.logger.WithFields(logrus.Fields{
			"remoteAddr": c.remoteAddrString(),
			"clientId":   c.Id(),
		}).Warnln("cannot reach client, removing:", err.Error())
		if rmErr := m.RemoveClient(c.Id()); rmErr != nil {
			return errors.Join(err, rmErr)
		}
		return err
	}
	return nil
}

// Broadcast writes p to every registered client except one, and returns how
// many clients received it. Unreachable clients are removed.
func (m *Manager) Broadcast(codec Codec, p Packet, except *Client) int {
	var sent int
	m.RangeClient(func(c *Client) {
		if c == except {
			return
		}
		if err := m.Send(codec, p, c); err == nil {
			sent++
		}
	})
	return sent
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	m.RangeClient(func(c *Client) {
		if err := m.RemoveClient(c.Id()); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}
