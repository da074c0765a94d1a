package sockgate

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Phase is the lifecycle phase of a Client.
type Phase int32

const (
	// PhasePending is a freshly accepted client that is not yet authenticated.
	PhasePending Phase = iota
	// PhaseRejected is terminal: authentication failed or registration
	// never happened, and the transport is closed.
	PhaseRejected
	// PhaseRegistered means the client was handed to the server's registry.
	PhaseRegistered
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseRejected:
		return "rejected"
	case PhaseRegistered:
		return "registered"
	default:
		return "unknown"
	}
}

var ErrClientClosed = errors.New("client closed")

// Client wraps one transport connection and a reference to the event bus of
// the server (or connector) that produced it.
type Client struct {
	id int64

	rdLock *sync.Mutex
	wrLock *sync.Mutex

	conn net.Conn
	bus  EventBus

	phase  int32
	closed int32

	identity    atomic.Value // string
	connectedAt time.Time

	dataLock *sync.RWMutex
	data     map[string]interface{}
}

var clientIdGenerator int64

// NewClient binds a transport and an event bus. The client starts pending.
func NewClient(bus EventBus, conn net.Conn) *Client {
	return &Client{
		id:          atomic.AddInt64(&clientIdGenerator, 1),
		rdLock:      &sync.Mutex{},
		wrLock:      &sync.Mutex{},
		conn:        conn,
		bus:         bus,
		phase:       int32(PhasePending),
		connectedAt: time.Now(),
		dataLock:    &sync.RWMutex{},
		data:        make(map[string]interface{}),
	}
}

func (c *Client) Id() int64 { return c.id }

func (c *Client) Phase() Phase { return Phase(atomic.LoadInt32(&c.phase)) }

// markRegistered moves a pending client to registered.
func (c *Client) markRegistered() bool {
	return atomic.CompareAndSwapInt32(&c.phase, int32(PhasePending), int32(PhaseRegistered))
}

// markRejected moves a pending client to rejected.
func (c *Client) markRejected() bool {
	return atomic.CompareAndSwapInt32(&c.phase, int32(PhasePending), int32(PhaseRejected))
}

// Identity returns what an Authenticator recorded for this client, if any.
func (c *Client) Identity() string {
	if v, ok := c.identity.Load().(string); ok {
		return v
	}
	return ""
}

func (c *Client) SetIdentity(id string) { c.identity.Store(id) }

func (c *Client) ConnectedAt() time.Time { return c.connectedAt }

func (c *Client) Transport() net.Conn { return c.conn }

func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Client) remoteAddrString() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Client) Set(key string, value interface{}) {
	c.dataLock.Lock()
	defer c.dataLock.Unlock()

	c.data[key] = value
}

func (c *Client) Get(key string) (interface{}, bool) {
	c.dataLock.RLock()
	defer c.dataLock.RUnlock()

	val, ok := c.data[key]
	return val, ok
}

// Closed reports whether Disconnect has been called.
func (c *Client) Closed() bool { return atomic.LoadInt32(&c.closed) == 1 }

// ReadPacket reads one frame from the transport.
func (c *Client) ReadPacket(codec Codec) (Packet, error) {
	if c.Closed() {
		return nil, ErrClientClosed
	}

	c.rdLock.Lock()
	defer c.rdLock.Unlock()

	return codec.Read(c.conn)
}

// WritePacket writes one frame to the transport.
func (c *Client) WritePacket(codec Codec, p Packet) error {
	if c.Closed() {
		return ErrClientClosed
	}

	c.wrLock.Lock()
	defer c.wrLock.Unlock()

	return codec.Write(c.conn, p)
}

// Disconnect closes the transport. Only the first call closes and publishes
// EventClientDisconnected; later calls return nil. A pending client becomes
// rejected. Disconnect never touches the server or its registry.
func (c *Client) Disconnect() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.markRejected()

	err := c.conn.Close()

	if c.bus != nil {
		c.bus.Publish(Event{
			Kind:       EventClientDisconnected,
			ClientID:   c.id,
			Identity:   c.Identity(),
			RemoteAddr: c.remoteAddrString(),
			Err:        err,
		})
	}

	return err
}
