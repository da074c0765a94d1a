package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chenqinghe/sockgate"
	"github.com/chenqinghe/sockgate/auth"
	"github.com/chenqinghe/sockgate/codec"
	"github.com/chenqinghe/sockgate/reconnectpolicy"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	var (
		addr     string
		wsURL    string
		token    string
		user     string
		password string
		tlv      bool
		retries  int
		verbose  int
	)

	fs := flag.NewFlagSet("sockgate-client", flag.ExitOnError)
	fs.StringVarP(&addr, "addr", "a", "127.0.0.1:9527", "Server tcp address")
	fs.StringVar(&wsURL, "ws", "", "Dial a websocket url such as ws://127.0.0.1:9527/ws instead of tcp")
	fs.StringVar(&token, "token", "", "Log in with this token")
	fs.StringVarP(&user, "user", "u", "", "Log in with this user name")
	fs.StringVarP(&password, "password", "p", "", "Password of --user")
	fs.BoolVar(&tlv, "tlv", false, "Frame the login with the binary TLV codec")
	fs.IntVar(&retries, "retries", 5, "Dial attempts before giving up (tcp only)")
	fs.CountVarP(&verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.Parse(os.Args[1:])

	logger := logrus.StandardLogger()
	if verbose > 0 {
		logger.SetLevel(logrus.DebugLevel)
	}

	var loginCodec sockgate.Codec = codec.JsonCodec{}
	if tlv {
		loginCodec = codec.TLVCodec{}
	}

	var authenticator sockgate.Authenticator = auth.Unsecure{}
	switch {
	case token != "":
		authenticator = &auth.Token{Credential: token, Codec: loginCodec}
	case user != "":
		authenticator = &auth.Password{User: user, Secret: password, Codec: loginCodec}
	}

	connector := sockgate.NewConnector(&sockgate.NewConnectorOption{
		Authenticator:   auth.WithTimeout(authenticator, 10*time.Second),
		DialTimeout:     5 * time.Second,
		ReconnectPolicy: reconnectpolicy.NewExponential(time.Second, 30*time.Second, retries),
		Logger:          logger,
		OnConnected: func(c *sockgate.Client) error {
			logger.WithField("remoteAddr", c.RemoteAddr().String()).Infoln("logged in")
			return nil
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := dial(ctx, connector, addr, wsURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect failed:", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		c.Disconnect()
	}()

	for {
		p, err := c.ReadPacket(loginCodec)
		if err != nil {
			logger.Infoln("connection closed:", err.Error())
			return
		}

		entry := logger.WithField("id", p.Id())
		switch packet := p.(type) {
		case codec.JsonPacket:
			entry.WithField("subject", packet.Subject).Infoln(string(packet.Data))
		case codec.TLVPacket:
			entry.WithField("type", packet.Type).Infoln(string(packet.Data))
		}
	}
}

func dial(ctx context.Context, connector *sockgate.Connector, addr, wsURL string) (*sockgate.Client, error) {
	if wsURL == "" {
		return connector.DialWithRetry(ctx, "tcp", addr)
	}

	conn, err := sockgate.DialWebsocket(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return connector.Handshake(conn)
}
