package sockgate

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var defaultUpgrader = &websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WsListener is a net.Listener whose connections are websocket upgrades.
// Serving a WsListener lets websocket clients go through the same Acceptor
// as plain tcp clients.
type WsListener struct {
	ln       net.Listener
	server   *http.Server
	upgrader *websocket.Upgrader
	logger   logrus.FieldLogger

	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

var _ net.Listener = (*WsListener)(nil)

type WsListenerOptions struct {
	// Path to upgrade on, "/" if empty.
	Path     string
	Upgrader *websocket.Upgrader
	Logger   logrus.FieldLogger
}

// ListenWebsocket listens on a tcp address and upgrades requests on the
// configured path.
func ListenWebsocket(addr string, opts *WsListenerOptions) (*WsListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewWsListener(ln, opts), nil
}

// NewWsListener serves websocket upgrades on an existing listener, which it
// takes ownership of.
func NewWsListener(ln net.Listener, opts *WsListenerOptions) *WsListener {
	if opts == nil {
		opts = &WsListenerOptions{}
	}
	path := opts.Path
	if path == "" {
		path = "/"
	}
	upgrader := opts.Upgrader
	if upgrader == nil {
		upgrader = defaultUpgrader
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	wl := &WsListener{
		ln:       ln,
		upgrader: upgrader,
		logger:   logger,
		conns:    make(chan net.Conn),
		closed:   make(chan struct{}),
	}

	router := http.NewServeMux()
	router.HandleFunc(path, wl.upgrade)
	wl.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := wl.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorln("websocket listener stopped:", err.Error())
			wl.Close()
		}
	}()

	return wl
}

func (wl *WsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := wl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		wl.logger.WithField("remoteAddr", r.RemoteAddr).Debugln("upgrade error:", err.Error())
		return
	}

	select {
	case wl.conns <- NewWsConn(conn):
	case <-wl.closed:
		conn.Close()
	}
}

// Accept waits for the next upgraded connection.
func (wl *WsListener) Accept() (net.Conn, error) {
	select {
	case c := <-wl.conns:
		return c, nil
	case <-wl.closed:
		return nil, &net.OpError{Op: "accept", Net: "ws", Addr: wl.ln.Addr(), Err: net.ErrClosed}
	}
}

// Close stops the HTTP server and unblocks Accept with net.ErrClosed.
// Connections that were already accepted stay open.
func (wl *WsListener) Close() error {
	var err error
	wl.closeOnce.Do(func() {
		close(wl.closed)
		err = wl.server.Close()
	})
	return err
}

func (wl *WsListener) Addr() net.Addr { return wl.ln.Addr() }

// WsConn adapts a websocket to net.Conn. Every Write is sent as one binary
// message; Read consumes messages as a continuous stream.
type WsConn struct {
	*websocket.Conn

	rdLock *sync.Mutex
	wrLock *sync.Mutex
	reader io.Reader
}

var _ net.Conn = (*WsConn)(nil)

func NewWsConn(c *websocket.Conn) *WsConn {
	return &WsConn{
		Conn:   c,
		rdLock: &sync.Mutex{},
		wrLock: &sync.Mutex{},
	}
}

func (c *WsConn) Read(p []byte) (int, error) {
	c.rdLock.Lock()
	defer c.rdLock.Unlock()

	for {
		if c.reader == nil {
			typ, r, err := c.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage && typ != websocket.TextMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *WsConn) Write(p []byte) (int, error) {
	c.wrLock.Lock()
	defer c.wrLock.Unlock()

	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *WsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// Close sends a close frame on a best effort basis, then closes the socket.
func (c *WsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.Conn.Close()
}

// DialWebsocket opens a websocket to url and returns it as a net.Conn, ready
// for Connector.Handshake.
func DialWebsocket(ctx context.Context, url string, header http.Header) (net.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return NewWsConn(conn), nil
}
