package sockgate

import (
	"fmt"
	"net"
	"time"

	"github.com/chenqinghe/sockgate/internal/metrics"
	"github.com/chenqinghe/sockgate/reconnectpolicy"
	"github.com/sirupsen/logrus"
)

// Host is the server side seen by an Acceptor.
type Host interface {
	// IsOpen reports whether the host still accepts connections.
	// Once it returns false it never returns true again.
	IsOpen() bool

	// Listener is the socket the acceptor blocks on. Closing it must
	// unblock a pending Accept with an error.
	Listener() net.Listener

	// EventBus is shared by every client of the host.
	EventBus() EventBus

	// Connect takes ownership of an authenticated client. Failures are the
	// host's concern.
	Connect(c *Client)
}

// Acceptor runs the accept -> authenticate -> register-or-reject loop for a
// Host. One bad connection attempt never stops the loop; only the host
// closing does.
type Acceptor struct {
	Authenticator Authenticator
	Logger        logrus.Ext1FieldLogger
	Metrics       *metrics.Collector

	// Backoff paces retries after accept errors while the host is open.
	// Defaults to 5ms doubling up to 1s.
	Backoff reconnectpolicy.Policy
}

func NewAcceptor(authenticator Authenticator) *Acceptor {
	return &Acceptor{Authenticator: authenticator}
}

// Start runs the loop on its own goroutine. The returned channel is closed
// when the loop exits.
func (a *Acceptor) Start(h Host) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(h)
	}()
	return done
}

// Run blocks until h is closed.
func (a *Acceptor) Run(h Host) {
	logger := a.logger()
	backoff := a.Backoff
	if backoff == nil {
		backoff = reconnectpolicy.NewExponential(5*time.Millisecond, time.Second, 0)
	}

	for h.IsOpen() {
		logger.Traceln("waiting for client to connect")

		conn, err := accept(h)
		if err != nil {
			if !h.IsOpen() {
				break
			}
			a.Metrics.AcceptError(err)
			delay, retry := backoff.Next()
			if !retry {
				backoff.Reset()
				delay, _ = backoff.Next()
			}
			logger.WithField("retryIn", delay).Warnln("accept client failed:", err.Error())
			wait(h, delay)
			continue
		}
		backoff.Reset()
		a.Metrics.Accepted()

		a.admit(h, NewClient(h.EventBus(), conn))
	}

	logger.Debugln("no longer waiting for clients to connect")
}

func accept(h Host) (conn net.Conn, err error) {
	defer catch("accept", &err)
	return h.Listener().Accept()
}

// wait sleeps for d, returning early once h is closed.
func wait(h Host, d time.Duration) {
	const step = 10 * time.Millisecond

	for d > 0 && h.IsOpen() {
		s := step
		if d < s {
			s = d
		}
		time.Sleep(s)
		d -= s
	}
}

// catch turns a panic of op into *err. It must be deferred directly.
func catch(op string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s panic: %v", op, r)
	}
}

func (a *Acceptor) admit(h Host, c *Client) {
	logger := a.logger().WithFields(logrus.Fields{
		"remoteAddr": c.remoteAddrString(),
		"clientId":   c.Id(),
	})
	logger.Debugln("client is attempting to connect")

	ok, err := a.authenticate(h, c)
	if err != nil {
		a.Metrics.AuthError(err)
		logger.Warnln("client authentication error:", err.Error())
	}
	if !ok || err != nil {
		logger.Warnln("client was refused")
		a.reject(h, c, logger)
		return
	}

	if !h.IsOpen() {
		logger.Debugln("server closed during authentication")
		a.reject(h, c, logger)
		return
	}

	a.connect(h, c, logger)
}

// authenticate converts an authenticator panic into a rejection.
func (a *Acceptor) authenticate(h Host, c *Client) (ok bool, err error) {
	defer catch("authenticator", &err)

	authenticator := a.Authenticator
	if authenticator == nil {
		authenticator = DefaultAuthenticator
	}
	return authenticator.AuthenticateClient(h, c)
}

func (a *Acceptor) reject(h Host, c *Client, logger logrus.FieldLogger) {
	c.markRejected()
	a.Metrics.Rejected()
	if err := disconnect(c); err != nil {
		a.Metrics.DisconnectError(err)
		logger.Warnln("disconnect refused client failed:", err.Error())
	}
	if err := publish(h.EventBus(), Event{
		Kind:       EventClientRejected,
		ClientID:   c.Id(),
		Identity:   c.Identity(),
		RemoteAddr: c.remoteAddrString(),
	}); err != nil {
		logger.Errorln("publish rejection failed:", err.Error())
	}
}

func disconnect(c *Client) (err error) {
	defer catch("disconnect", &err)
	return c.Disconnect()
}

func publish(bus EventBus, e Event) (err error) {
	defer catch("publish", &err)
	if bus != nil {
		bus.Publish(e)
	}
	return nil
}

// connect hands c over to the host. The acceptor keeps no reference to it
// afterwards.
func (a *Acceptor) connect(h Host, c *Client, logger logrus.FieldLogger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorln("connect client panic:", r)
			if c.Phase() == PhasePending {
				a.reject(h, c, logger)
			}
		}
	}()
	h.Connect(c)
}

func (a *Acceptor) logger() logrus.Ext1FieldLogger {
	if a.Logger != nil {
		return a.Logger
	}
	return logrus.StandardLogger()
}
