package sockgate

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/chenqinghe/sockgate/internal/metrics"
	"github.com/chenqinghe/sockgate/reconnectpolicy"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAuthenticator struct {
	mock.Mock
}

func (m *mockAuthenticator) AuthenticateClient(h Host, c *Client) (bool, error) {
	args := m.Called(h, c)
	return args.Bool(0), args.Error(1)
}

func (m *mockAuthenticator) AuthenticateServer(c *Client) (bool, error) {
	args := m.Called(c)
	return args.Bool(0), args.Error(1)
}

func acceptAll(Host, *Client) (bool, error) { return true, nil }

func TestAcceptor_RegistersClientsInArrivalOrder(t *testing.T) {
	req := require.New(t)
	host := newFakeHost()
	acceptor := NewAcceptor(Authenticators{Client: acceptAll})

	done := acceptor.Start(host)

	var locals []net.Conn
	for i := 0; i < 3; i++ {
		remote, local := host.ln.Dial(t)
		defer remote.Close()
		locals = append(locals, local)

		c := waitConnected(t, host)
		req.Same(local, c.Transport())
	}

	connected := host.Connected()
	req.Len(connected, 3)
	for i, c := range connected {
		req.Same(locals[i], c.Transport())
		req.Equal(PhasePending, c.Phase())
	}
	req.NotEqual(connected[0].Id(), connected[1].Id())
	req.NotEqual(connected[1].Id(), connected[2].Id())

	host.Close()
	waitDone(t, done)
}

func TestAcceptor_RejectsWhenAuthenticatorRefuses(t *testing.T) {
	req := require.New(t)
	host := newFakeHost()

	refused := make(chan *Client, 1)
	acceptor := NewAcceptor(Authenticators{Client: func(h Host, c *Client) (bool, error) {
		refused <- c
		return false, nil
	}})

	rejectedEvents := make(chan Event, 1)
	host.bus.Subscribe(EventClientRejected, func(e Event) { rejectedEvents <- e })

	done := acceptor.Start(host)

	remote, _ := host.ln.Dial(t)
	defer remote.Close()

	requireClosedByPeer(t, remote)

	c := <-refused
	req.Equal(PhaseRejected, c.Phase())
	req.True(c.Closed())
	req.Empty(host.Connected())

	select {
	case e := <-rejectedEvents:
		req.Equal(c.Id(), e.ClientID)
	case <-time.After(time.Second):
		t.Fatal("no rejected event")
	}

	host.Close()
	waitDone(t, done)
	req.Empty(host.Connected())
}

func TestAcceptor_AuthenticatorPanicIsARejection(t *testing.T) {
	req := require.New(t)
	host := newFakeHost()

	authenticator := &mockAuthenticator{}
	authenticator.On("AuthenticateClient", mock.Anything, mock.Anything).
		Panic("handshake exploded").Once()
	authenticator.On("AuthenticateClient", mock.Anything, mock.Anything).
		Return(true, nil).Once()

	collector := metrics.New()
	acceptor := &Acceptor{Authenticator: authenticator, Metrics: collector}
	done := acceptor.Start(host)

	first, _ := host.ln.Dial(t)
	defer first.Close()
	requireClosedByPeer(t, first)

	second, local := host.ln.Dial(t)
	defer second.Close()
	c := waitConnected(t, host)
	req.Same(local, c.Transport())

	host.Close()
	waitDone(t, done)

	authenticator.AssertNumberOfCalls(t, "AuthenticateClient", 2)
	req.Len(host.Connected(), 1)
	req.Equal(int64(1), collector.Snapshot().AuthErrors)
	req.Equal(int64(1), collector.Snapshot().Rejected)
}

func TestAcceptor_AuthenticatorErrorIsARejection(t *testing.T) {
	req := require.New(t)
	host := newFakeHost()

	var calls int
	acceptor := NewAcceptor(Authenticators{Client: func(h Host, c *Client) (bool, error) {
		calls++
		if calls == 1 {
			// an error wins over a true result
			return true, errors.New("read credentials: connection reset")
		}
		return true, nil
	}})
	done := acceptor.Start(host)

	first, _ := host.ln.Dial(t)
	defer first.Close()
	requireClosedByPeer(t, first)

	second, local := host.ln.Dial(t)
	defer second.Close()
	req.Same(local, waitConnected(t, host).Transport())

	host.Close()
	waitDone(t, done)
	req.Len(host.Connected(), 1)
}

func TestAcceptor_ContinuesAfterAcceptError(t *testing.T) {
	req := require.New(t)
	host := newFakeHost()
	collector := metrics.New()

	acceptor := &Acceptor{
		Authenticator: Authenticators{Client: acceptAll},
		Metrics:       collector,
		Backoff:       reconnectpolicy.NewConstant(time.Millisecond),
	}
	done := acceptor.Start(host)

	host.ln.errs <- errors.New("too many open files")
	host.ln.errs <- errors.New("too many open files")
	req.Eventually(func() bool {
		return collector.Snapshot().AcceptErrors == 2
	}, 2*time.Second, time.Millisecond)

	remote, local := host.ln.Dial(t)
	defer remote.Close()
	req.Same(local, waitConnected(t, host).Transport())

	host.Close()
	waitDone(t, done)
	req.Equal(int64(2), collector.Snapshot().AcceptErrors)
	req.Equal(int64(1), collector.Snapshot().Accepted)
}

func TestAcceptor_ClosedBeforeAnyConnection(t *testing.T) {
	host := newFakeHost()
	authenticator := &mockAuthenticator{}

	done := NewAcceptor(authenticator).Start(host)
	host.Close()

	waitDone(t, done)
	require.Empty(t, host.Connected())
	authenticator.AssertNotCalled(t, "AuthenticateClient", mock.Anything, mock.Anything)
}

func TestAcceptor_NeverStartsOnClosedHost(t *testing.T) {
	host := newFakeHost()
	host.Close()

	done := NewAcceptor(nil).Start(host)
	waitDone(t, done)
	require.Empty(t, host.Connected())
}

func TestAcceptor_ConnectAfterAuthenticationCompletes(t *testing.T) {
	req := require.New(t)
	host := newFakeHost()

	var mu sync.Mutex
	var trace []string
	record := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}

	acceptor := NewAcceptor(Authenticators{Client: func(h Host, c *Client) (bool, error) {
		record(fmt.Sprintf("auth-start %d", c.Id()))
		time.Sleep(10 * time.Millisecond)
		record(fmt.Sprintf("auth-end %d", c.Id()))
		return true, nil
	}})
	host.onConn = func(c *Client) { record(fmt.Sprintf("connect %d", c.Id())) }

	done := acceptor.Start(host)

	var ids []int64
	for i := 0; i < 2; i++ {
		remote, _ := host.ln.Dial(t)
		defer remote.Close()
		ids = append(ids, waitConnected(t, host).Id())
	}

	host.Close()
	waitDone(t, done)

	mu.Lock()
	defer mu.Unlock()
	var want []string
	for _, id := range ids {
		want = append(want,
			fmt.Sprintf("auth-start %d", id),
			fmt.Sprintf("auth-end %d", id),
			fmt.Sprintf("connect %d", id))
	}
	req.Equal(want, trace)
}

func TestAcceptor_NoRegistrationOnceClosed(t *testing.T) {
	req := require.New(t)
	host := newFakeHost()

	entered := make(chan *Client)
	release := make(chan struct{})
	acceptor := NewAcceptor(Authenticators{Client: func(h Host, c *Client) (bool, error) {
		entered <- c
		<-release
		return true, nil
	}})
	done := acceptor.Start(host)

	remote, _ := host.ln.Dial(t)
	defer remote.Close()

	c := <-entered
	host.Close()
	close(release)

	waitDone(t, done)
	requireClosedByPeer(t, remote)
	req.Empty(host.Connected())
	req.Equal(PhaseRejected, c.Phase())
}

func TestAcceptor_ContinuesAfterConnectPanic(t *testing.T) {
	req := require.New(t)
	host := newFakeHost()

	var calls int
	host.onConn = func(c *Client) {
		calls++
		if calls == 1 {
			panic("registry exploded")
		}
	}

	done := NewAcceptor(Authenticators{Client: acceptAll}).Start(host)

	first, _ := host.ln.Dial(t)
	defer first.Close()
	requireClosedByPeer(t, first)

	second, local := host.ln.Dial(t)
	defer second.Close()
	req.Same(local, waitConnected(t, host).Transport())

	host.Close()
	waitDone(t, done)
}

// refuseFaulty rejects clients whose transport misbehaves on Close.
func refuseFaulty(h Host, c *Client) (bool, error) {
	_, faulty := c.Transport().(closeFault)
	return !faulty, nil
}

func TestAcceptor_CountsDisconnectErrorOnRejection(t *testing.T) {
	req := require.New(t)
	host := newFakeHost()
	collector := metrics.New()

	acceptor := &Acceptor{Authenticator: Authenticators{Client: refuseFaulty}, Metrics: collector}
	done := acceptor.Start(host)

	local, remote := net.Pipe()
	defer remote.Close()
	host.ln.conns <- closeFault{Conn: local}
	requireClosedByPeer(t, remote)

	second, next := host.ln.Dial(t)
	defer second.Close()
	req.Same(next, waitConnected(t, host).Transport())

	host.Close()
	waitDone(t, done)

	s := collector.Snapshot()
	req.Equal(int64(1), s.Rejected)
	req.Equal(int64(1), s.DisconnectErrors)
	req.Equal("close: bad file descriptor", s.LastErrorMessage)
	req.Len(host.Connected(), 1)
}

func TestAcceptor_ContinuesAfterDisconnectPanic(t *testing.T) {
	req := require.New(t)
	host := newFakeHost()
	collector := metrics.New()

	acceptor := &Acceptor{Authenticator: Authenticators{Client: refuseFaulty}, Metrics: collector}
	done := acceptor.Start(host)

	local, remote := net.Pipe()
	defer remote.Close()
	host.ln.conns <- closeFault{Conn: local, panics: true}
	requireClosedByPeer(t, remote)

	second, next := host.ln.Dial(t)
	defer second.Close()
	req.Same(next, waitConnected(t, host).Transport())

	host.Close()
	waitDone(t, done)

	req.Equal(int64(1), collector.Snapshot().DisconnectErrors)
	req.Len(host.Connected(), 1)
}

func TestAcceptor_ContinuesAfterAcceptPanic(t *testing.T) {
	req := require.New(t)
	host := newFakeHost()
	collector := metrics.New()

	acceptor := &Acceptor{
		Authenticator: Authenticators{Client: acceptAll},
		Metrics:       collector,
		Backoff:       reconnectpolicy.NewConstant(time.Millisecond),
	}
	done := acceptor.Start(host)

	host.ln.errs <- acceptPanic("listener exploded")
	req.Eventually(func() bool {
		return collector.Snapshot().AcceptErrors == 1
	}, 2*time.Second, time.Millisecond)

	remote, local := host.ln.Dial(t)
	defer remote.Close()
	req.Same(local, waitConnected(t, host).Transport())

	host.Close()
	waitDone(t, done)
	req.Equal("accept panic: listener exploded", collector.Snapshot().LastErrorMessage)
}

func TestAcceptor_CloseInterruptsBackoff(t *testing.T) {
	req := require.New(t)
	host := newFakeHost()
	collector := metrics.New()

	acceptor := &Acceptor{
		Authenticator: Authenticators{Client: acceptAll},
		Metrics:       collector,
		Backoff:       reconnectpolicy.NewConstant(time.Hour),
	}
	done := acceptor.Start(host)

	host.ln.errs <- errors.New("too many open files")
	req.Eventually(func() bool {
		return collector.Snapshot().AcceptErrors == 1
	}, 2*time.Second, time.Millisecond)

	host.Close()
	waitDone(t, done)
}

func TestAcceptor_TracesWithLoggerEntry(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.TraceLevel)
	host := newFakeHost()

	acceptor := &Acceptor{
		Authenticator: Authenticators{Client: acceptAll},
		Logger:        logger.WithField("component", "acceptor"),
	}
	done := acceptor.Start(host)

	remote, _ := host.ln.Dial(t)
	defer remote.Close()
	waitConnected(t, host)

	host.Close()
	waitDone(t, done)

	var traced bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.TraceLevel && e.Message == "waiting for client to connect" {
			traced = true
			require.Equal(t, "acceptor", e.Data["component"])
		}
	}
	require.True(t, traced)
}
