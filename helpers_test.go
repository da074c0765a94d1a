package sockgate

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func init() {
	logrus.SetOutput(io.Discard)
}

// pipeListener is an in-memory net.Listener fed by Dial.
type pipeListener struct {
	conns  chan net.Conn
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newPipeListener() *pipeListener {
	return &pipeListener{
		conns:  make(chan net.Conn),
		errs:   make(chan error, 8),
		closed: make(chan struct{}),
	}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
	}

	select {
	case c := <-l.conns:
		return c, nil
	case err := <-l.errs:
		if p, ok := err.(acceptPanic); ok {
			panic(string(p))
		}
		return nil, err
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr{} }

// Dial hands a new server end to Accept and returns both ends.
func (l *pipeListener) Dial(t *testing.T) (remote net.Conn, local net.Conn) {
	t.Helper()

	local, remote = net.Pipe()
	select {
	case l.conns <- local:
	case <-time.After(2 * time.Second):
		t.Fatal("nobody accepted the connection")
	}
	return remote, local
}

// acceptPanic makes Accept panic when queued on errs.
type acceptPanic string

func (p acceptPanic) Error() string { return string(p) }

// closeFault wraps a server end whose Close misbehaves after closing.
type closeFault struct {
	net.Conn
	panics bool
}

func (c closeFault) Close() error {
	_ = c.Conn.Close()
	if c.panics {
		panic("close exploded")
	}
	return errors.New("close: bad file descriptor")
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

// fakeHost records Connect calls.
type fakeHost struct {
	open      int32
	ln        *pipeListener
	bus       *Bus
	connected chan *Client

	mu      sync.Mutex
	clients []*Client
	onConn  func(c *Client)
}

var _ Host = (*fakeHost)(nil)

func newFakeHost() *fakeHost {
	return &fakeHost{
		open:      1,
		ln:        newPipeListener(),
		bus:       NewBus(),
		connected: make(chan *Client, 16),
	}
}

func (h *fakeHost) IsOpen() bool           { return atomic.LoadInt32(&h.open) == 1 }
func (h *fakeHost) Listener() net.Listener { return h.ln }
func (h *fakeHost) EventBus() EventBus     { return h.bus }

func (h *fakeHost) Connect(c *Client) {
	h.mu.Lock()
	h.clients = append(h.clients, c)
	onConn := h.onConn
	h.mu.Unlock()

	if onConn != nil {
		onConn(c)
	}
	h.connected <- c
}

func (h *fakeHost) Close() {
	atomic.StoreInt32(&h.open, 0)
	h.ln.Close()
}

func (h *fakeHost) Connected() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]*Client(nil), h.clients...)
}

func waitConnected(t *testing.T, h *fakeHost) *Client {
	t.Helper()

	select {
	case c := <-h.connected:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("client was not connected")
		return nil
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor did not stop")
	}
}

// requireClosedByPeer asserts that the other end of conn has been closed.
func requireClosedByPeer(t *testing.T, conn net.Conn) {
	t.Helper()

	// a pipe already closed on both ends refuses deadlines; Read still reports EOF
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

// lineCodec frames a packet as one line of text.
type lineCodec struct{}

type linePacket struct {
	id   int64
	text string
}

func (p linePacket) Id() int64       { return p.id }
func (p linePacket) Time() time.Time { return time.Time{} }

func (lineCodec) Read(r io.Reader) (Packet, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		if buf[0] == '\n' {
			return linePacket{text: sb.String()}, nil
		}
		sb.WriteByte(buf[0])
	}
}

func (lineCodec) Write(w io.Writer, p Packet) error {
	lp, ok := p.(linePacket)
	if !ok {
		return errors.New("not a line packet")
	}
	_, err := io.WriteString(w, lp.text+"\n")
	return err
}

func readLine(t *testing.T, conn net.Conn) string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(line, "\n")
}
