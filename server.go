package sockgate

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/chenqinghe/sockgate/internal/metrics"
	"github.com/chenqinghe/sockgate/reconnectpolicy"
	"github.com/sirupsen/logrus"
)

var (
	ErrServerClosed  = errors.New("server closed")
	ErrServerStarted = errors.New("server already started")
	ErrNilListener   = errors.New("nil listener")
)

type ServerOptions struct {
	// Authenticator admits inbound clients, DefaultAuthenticator if nil.
	Authenticator Authenticator

	// EventBus is shared by all clients, a new Bus if nil.
	EventBus EventBus

	// AcceptBackoff paces retries after accept errors.
	AcceptBackoff reconnectpolicy.Policy

	Logger  logrus.Ext1FieldLogger
	Metrics *metrics.Collector
}

// Server owns one listening endpoint. It runs an Acceptor for its lifetime
// and registers authenticated clients in its ConnManager.
type Server struct {
	Manager ConnManager

	mu       *sync.Mutex
	listener net.Listener
	done     <-chan struct{}

	bus      EventBus
	acceptor *Acceptor
	logger   logrus.FieldLogger
	metrics  *metrics.Collector

	started int32
	closed  int32
}

var _ Host = (*Server)(nil)

// NewServer creates a server registering clients in mgr.
func NewServer(mgr ConnManager, opts *ServerOptions) *Server {
	if opts == nil {
		opts = &ServerOptions{}
	}
	if mgr == nil {
		mgr = NewManager(nil)
	}

	bus := opts.EventBus
	if bus == nil {
		bus = NewBus()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.New()
	}
	if m, ok := mgr.(*Manager); ok {
		m.useMetrics(collector)
	}

	return &Server{
		Manager: mgr,
		mu:      &sync.Mutex{},
		bus:     bus,
		acceptor: &Acceptor{
			Authenticator: opts.Authenticator,
			Logger:        logger,
			Metrics:       collector,
			Backoff:       opts.AcceptBackoff,
		},
		logger:  logger,
		metrics: collector,
	}
}

// IsOpen reports whether the server is serving and has not been closed.
func (s *Server) IsOpen() bool {
	return atomic.LoadInt32(&s.started) == 1 && atomic.LoadInt32(&s.closed) == 0
}

func (s *Server) Listener() net.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listener
}

func (s *Server) EventBus() EventBus { return s.bus }

func (s *Server) Metrics() *metrics.Collector { return s.metrics }

// Addr returns the listening address, nil before Start.
func (s *Server) Addr() net.Addr {
	if ln := s.Listener(); ln != nil {
		return ln.Addr()
	}
	return nil
}

// Connect registers an authenticated client. If the registry refuses it,
// the client is disconnected as if authentication had failed.
func (s *Server) Connect(c *Client) {
	logger := s.logger.WithFields(logrus.Fields{
		"remoteAddr": c.remoteAddrString(),
		"clientId":   c.Id(),
	})

	err := ErrServerClosed
	if s.IsOpen() {
		err = s.Manager.StoreClient(c)
	}
	if err != nil {
		logger.Warnln("register client failed:", err.Error())
		s.metrics.Rejected()
		if dErr := c.Disconnect(); dErr != nil {
			s.metrics.DisconnectError(dErr)
			logger.Warnln("disconnect unregistered client failed:", dErr.Error())
		}
		s.bus.Publish(Event{
			Kind:       EventClientRejected,
			ClientID:   c.Id(),
			Identity:   c.Identity(),
			RemoteAddr: c.remoteAddrString(),
			Err:        err,
		})
		return
	}

	logger.Infoln("accepted connection")
	s.bus.Publish(Event{
		Kind:       EventClientRegistered,
		ClientID:   c.Id(),
		Identity:   c.Identity(),
		RemoteAddr: c.remoteAddrString(),
	})
}

// Start begins accepting on ln in the background. The returned channel is
// closed once the acceptor has stopped.
func (s *Server) Start(ln net.Listener) (<-chan struct{}, error) {
	if ln == nil {
		return nil, ErrNilListener
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if atomic.LoadInt32(&s.closed) == 1 {
		return nil, ErrServerClosed
	}
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil, ErrServerStarted
	}
	s.listener = ln
	s.done = s.acceptor.Start(s)

	s.logger.WithField("addr", ln.Addr().String()).Infoln("started server")

	return s.done, nil
}

// Serve accepts on ln until the server is closed.
func (s *Server) Serve(ln net.Listener) error {
	done, err := s.Start(ln)
	if err != nil {
		return err
	}
	<-done
	return nil
}

// ListenAndServe is like http.ListenAndServe, it listens on the given tcp
// address and admits new connections until Close is called.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// ListenAndServeTLS is ListenAndServe over a TLS listener.
func (s *Server) ListenAndServeTLS(addr string, config *tls.Config) error {
	listener, err := tls.Listen("tcp", addr, config)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Close stops the acceptor, then closes the listener and ConnManager.
// Only the first call has an effect.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.mu.Lock()
	listener, done := s.listener, s.done
	s.mu.Unlock()

	var errs []error
	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if done != nil {
		<-done
	}

	if err := s.Manager.Close(); err != nil {
		errs = append(errs, err)
	}

	s.logger.Infoln("stopped server")

	return errors.Join(errs...)
}
