package sockgate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/chenqinghe/sockgate/reconnectpolicy"
	"github.com/sirupsen/logrus"
)

var ErrServerRejected = errors.New("server rejected")

// Connector is the dialing role. It wraps each dialed transport in a Client
// and runs AuthenticateServer on it before handing it back.
type Connector struct {
	authenticator Authenticator
	bus           EventBus
	dialer        *net.Dialer
	logger        logrus.FieldLogger

	opt *NewConnectorOption
}

type NewConnectorOption struct {
	// Authenticator checks the server, DefaultAuthenticator if nil.
	Authenticator Authenticator

	// EventBus receives the disconnect events of dialed clients.
	EventBus EventBus

	DialTimeout time.Duration

	// ReconnectPolicy paces DialWithRetry, Never if nil. Policies keep
	// state, so run one DialWithRetry at a time per Connector.
	ReconnectPolicy reconnectpolicy.Policy

	// OnConnected runs after the server has been authenticated.
	OnConnected func(c *Client) error

	Logger logrus.FieldLogger
}

func NewConnector(opt *NewConnectorOption) *Connector {
	if opt == nil {
		opt = &NewConnectorOption{}
	}

	authenticator := opt.Authenticator
	if authenticator == nil {
		authenticator = DefaultAuthenticator
	}
	bus := opt.EventBus
	if bus == nil {
		bus = NewBus()
	}
	logger := opt.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Connector{
		authenticator: authenticator,
		bus:           bus,
		dialer:        &net.Dialer{Timeout: opt.DialTimeout},
		logger:        logger,
		opt:           opt,
	}
}

func (cn *Connector) EventBus() EventBus { return cn.bus }

// Dial connects to addr and authenticates the server on the other end.
func (cn *Connector) Dial(ctx context.Context, network string, addr string) (*Client, error) {
	conn, err := cn.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return cn.handshake(NewClient(cn.bus, conn))
}

// Handshake authenticates the server behind an already established
// transport, such as a websocket from DialWebsocket.
func (cn *Connector) Handshake(conn net.Conn) (*Client, error) {
	return cn.handshake(NewClient(cn.bus, conn))
}

func (cn *Connector) handshake(c *Client) (*Client, error) {
	logger := cn.logger.WithFields(logrus.Fields{
		"remoteAddr": c.remoteAddrString(),
		"clientId":   c.Id(),
	})

	ok, err := cn.authenticate(c)
	if err != nil || !ok {
		if dErr := c.Disconnect(); dErr != nil {
			logger.Warnln("disconnect rejected server failed:", dErr.Error())
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrServerRejected, err)
		}
		return nil, ErrServerRejected
	}

	if cn.opt.OnConnected != nil {
		if err := cn.opt.OnConnected(c); err != nil {
			c.Disconnect()
			return nil, err
		}
	}

	logger.Debugln("connected to server")

	return c, nil
}

func (cn *Connector) authenticate(c *Client) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("authenticator panic: %v", r)
		}
	}()
	return cn.authenticator.AuthenticateServer(c)
}

// DialWithRetry dials until it succeeds, the policy gives up or ctx is done.
// A server that rejects the handshake is not retried.
func (cn *Connector) DialWithRetry(ctx context.Context, network string, addr string) (*Client, error) {
	policy := cn.opt.ReconnectPolicy
	if policy == nil {
		policy = reconnectpolicy.Never{}
	}

	for {
		c, err := cn.Dial(ctx, network, addr)
		if err == nil {
			policy.Reset()
			return c, nil
		}
		if errors.Is(err, ErrServerRejected) {
			return nil, err
		}

		delay, retry := policy.Next()
		if !retry {
			return nil, err
		}

		cn.logger.WithFields(logrus.Fields{
			"addr":    addr,
			"retryIn": delay,
		}).Warnln("dial server failed:", err.Error())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
