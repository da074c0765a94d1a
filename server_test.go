package sockgate

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// nameAuthenticator takes the first line a client sends as its identity.
var nameAuthenticator = Authenticators{
	Client: func(h Host, c *Client) (bool, error) {
		p, err := c.ReadPacket(lineCodec{})
		if err != nil {
			return false, err
		}
		name := p.(linePacket).text
		if name == "" || name == "mallory" {
			return false, nil
		}
		c.SetIdentity(name)
		return true, nil
	},
}

func startServer(t *testing.T, mgr ConnManager) (*Server, <-chan struct{}) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(mgr, &ServerOptions{Authenticator: nameAuthenticator})
	done, err := s.Start(ln)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, done
}

func dialAs(t *testing.T, s *Server, name string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = io.WriteString(conn, name+"\n")
	require.NoError(t, err)
	return conn
}

func TestServer_RegistersAuthenticatedClient(t *testing.T) {
	req := require.New(t)
	mgr := NewManager(nil)
	s, _ := startServer(t, mgr)

	events := make(chan Event, 1)
	s.EventBus().(*Bus).Subscribe(EventClientRegistered, func(e Event) { events <- e })

	req.True(s.IsOpen())
	dialAs(t, s, "alice")

	select {
	case e := <-events:
		req.Equal("alice", e.Identity)
	case <-time.After(2 * time.Second):
		t.Fatal("client was not registered")
	}

	c, ok := mgr.FindByIdentity("alice")
	req.True(ok)
	req.Equal(PhaseRegistered, c.Phase())
	req.Equal(int64(1), s.Metrics().Snapshot().Registered)
}

func TestServer_RefusedClientIsClosed(t *testing.T) {
	req := require.New(t)
	mgr := NewManager(nil)
	s, _ := startServer(t, mgr)

	conn := dialAs(t, s, "mallory")
	requireClosedByPeer(t, conn)

	req.Zero(mgr.Len())
	req.Eventually(func() bool {
		return s.Metrics().Snapshot().Rejected == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServer_RegistryFullRejects(t *testing.T) {
	req := require.New(t)
	mgr := NewManager(&NewManagerOptions{MaxClients: 1})
	s, _ := startServer(t, mgr)

	rejected := make(chan Event, 1)
	s.EventBus().(*Bus).Subscribe(EventClientRejected, func(e Event) { rejected <- e })

	dialAs(t, s, "alice")
	req.Eventually(func() bool { return mgr.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	conn := dialAs(t, s, "bob")
	requireClosedByPeer(t, conn)

	select {
	case e := <-rejected:
		req.Equal("bob", e.Identity)
		req.ErrorIs(e.Err, ErrRegistryFull)
	case <-time.After(2 * time.Second):
		t.Fatal("no rejected event")
	}
	req.Equal(1, mgr.Len())
}

func TestServer_StartTwice(t *testing.T) {
	s, _ := startServer(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = s.Start(ln)
	require.ErrorIs(t, err, ErrServerStarted)
}

func TestServer_StartWithoutListener(t *testing.T) {
	req := require.New(t)
	s := NewServer(nil, &ServerOptions{Authenticator: nameAuthenticator})
	defer s.Close()

	done, err := s.Start(nil)
	req.ErrorIs(err, ErrNilListener)
	req.Nil(done)
	req.False(s.IsOpen())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	req.NoError(err)
	_, err = s.Start(ln)
	req.NoError(err)
	req.True(s.IsOpen())
}

func TestServer_CloseStopsAcceptorAndClients(t *testing.T) {
	req := require.New(t)
	mgr := NewManager(nil)
	s, done := startServer(t, mgr)
	addr := s.Addr().String()

	conn := dialAs(t, s, "alice")
	req.Eventually(func() bool { return mgr.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	req.NoError(s.Close())
	req.NoError(s.Close())
	waitDone(t, done)

	req.False(s.IsOpen())
	req.Zero(mgr.Len())
	requireClosedByPeer(t, conn)

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	req.Error(err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	req.NoError(err)
	defer ln.Close()
	_, err = s.Start(ln)
	req.ErrorIs(err, ErrServerClosed)
}

func TestServer_ConnectWhenNotOpen(t *testing.T) {
	req := require.New(t)
	s := NewServer(nil, nil)

	var rejected []Event
	s.EventBus().(*Bus).Subscribe(EventClientRejected, func(e Event) { rejected = append(rejected, e) })

	c, remote := pipeClient(t, s.EventBus())
	s.Connect(c)

	requireClosedByPeer(t, remote)
	req.Equal(PhaseRejected, c.Phase())
	req.Len(rejected, 1)
	req.ErrorIs(rejected[0].Err, ErrServerClosed)
}
