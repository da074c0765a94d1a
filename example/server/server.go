package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chenqinghe/sockgate"
	"github.com/chenqinghe/sockgate/auth"
	"github.com/chenqinghe/sockgate/codec"
	"github.com/chenqinghe/sockgate/config"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	var (
		configPath   string
		addr         string
		transport    string
		authMethod   string
		signAddr     string
		hashPassword string
		announce     bool
	)

	fs := flag.NewFlagSet("sockgate-server", flag.ExitOnError)
	fs.StringVarP(&configPath, "config", "c", "", "YAML config file")
	fs.StringVarP(&addr, "addr", "a", "", "Listen address, overrides the config")
	fs.StringVarP(&transport, "transport", "t", "", "tcp or ws, overrides the config")
	fs.StringVar(&authMethod, "auth", "", "unsecure, token, password or tls, overrides the config")
	fs.StringVar(&signAddr, "sign-addr", "", "Serve a token signing endpoint on this address (token auth)")
	fs.BoolVar(&announce, "announce", false, "Tell registered clients when another client joins")
	fs.StringVar(&hashPassword, "hash-password", "", "Print the hash of a password for the users section and exit")
	fs.Parse(os.Args[1:])

	if hashPassword != "" {
		hash, err := auth.HashPassword(hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Address = addr
	}
	if transport != "" {
		cfg.Transport = transport
	}
	if authMethod != "" {
		cfg.Auth.Method = authMethod
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger := logrus.StandardLogger()
	if err := cfg.Logging.Apply(logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(cfg, signAddr, announce, logger); err != nil {
		logger.Fatalln(err)
	}
}

func run(cfg *config.Config, signAddr string, announce bool, logger *logrus.Logger) error {
	authenticator, tokens := newAuthenticator(cfg)

	mgr := sockgate.NewManager(&sockgate.NewManagerOptions{
		MaxClients:        cfg.Registry.MaxClients,
		ExclusiveIdentity: cfg.Registry.ExclusiveIdentity,
		Logger:            logger,
	})
	srv := sockgate.NewServer(mgr, &sockgate.ServerOptions{
		Authenticator: authenticator,
		Logger:        logger,
	})
	bus := srv.EventBus().(*sockgate.Bus)
	watch(bus, mgr, logger)
	if announce {
		announceJoins(bus, mgr, loginCodec(cfg.Auth.Codec), logger)
	}

	ln, err := listen(cfg, logger)
	if err != nil {
		return err
	}

	done, err := srv.Start(ln)
	if err != nil {
		ln.Close()
		return err
	}

	if signAddr != "" {
		if tokens == nil {
			logger.Warnln("sign endpoint needs token auth, not starting it")
		} else {
			go serveSigner(signAddr, tokens, logger)
		}
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-ch:
		logger.WithField("signal", sig.String()).Infoln("shutting down")
	case <-done:
	}

	err = srv.Close()
	logger.Infoln("admission stats:", srv.Metrics().JSON())
	return err
}

func listen(cfg *config.Config, logger logrus.FieldLogger) (net.Listener, error) {
	if cfg.Transport == "ws" {
		wl, err := sockgate.ListenWebsocket(cfg.Address, &sockgate.WsListenerOptions{
			Path:   cfg.WsPath,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		return wl, nil
	}

	tlsConfig, err := cfg.TLS.Load()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		return tls.Listen("tcp", cfg.Address, tlsConfig)
	}
	return net.Listen("tcp", cfg.Address)
}

// watch logs lifecycle events and drops clients that went away on their own.
func watch(bus *sockgate.Bus, mgr *sockgate.Manager, logger logrus.FieldLogger) {
	fields := func(e sockgate.Event) logrus.Fields {
		return logrus.Fields{
			"clientId":   e.ClientID,
			"identity":   e.Identity,
			"remoteAddr": e.RemoteAddr,
		}
	}

	bus.Subscribe(sockgate.EventClientRegistered, func(e sockgate.Event) {
		logger.WithFields(fields(e)).Infof("client registered, %d online", mgr.Len())
	})
	bus.Subscribe(sockgate.EventClientRejected, func(e sockgate.Event) {
		entry := logger.WithFields(fields(e))
		if e.Err != nil {
			entry = entry.WithError(e.Err)
		}
		entry.Infoln("client rejected")
	})
	bus.Subscribe(sockgate.EventClientDisconnected, func(e sockgate.Event) {
		if err := mgr.RemoveClient(e.ClientID); err != nil {
			logger.WithFields(fields(e)).Warnln("remove client failed:", err.Error())
		}
		logger.WithFields(fields(e)).Debugln("client disconnected")
	})
}

const subjectJoined int32 = 2001

// announceJoins broadcasts a notice to everyone else when a client registers.
func announceJoins(bus *sockgate.Bus, mgr *sockgate.Manager, cdc sockgate.Codec, logger logrus.FieldLogger) {
	bus.Subscribe(sockgate.EventClientRegistered, func(e sockgate.Event) {
		joined, ok := mgr.FindClient(e.ClientID)
		if !ok {
			return
		}
		data, err := json.Marshal(map[string]interface{}{
			"clientId": e.ClientID,
			"identity": e.Identity,
		})
		if err != nil {
			return
		}

		// subscribers run on the acceptor goroutine
		go func() {
			n := mgr.Broadcast(cdc, notice(cdc, subjectJoined, data), joined)
			logger.WithField("clientId", e.ClientID).Debugf("announced join to %d clients", n)
		}()
	})
}

func notice(cdc sockgate.Codec, subject int32, data []byte) sockgate.Packet {
	now := time.Now().UnixMilli()
	if _, ok := cdc.(codec.TLVCodec); ok {
		return codec.TLVPacket{
			PacketHead: codec.PacketHead{Version: 1, Type: subject, Timestamp: now},
			Data:       data,
		}
	}
	return codec.JsonPacket{Version: 1, Subject: subject, Timestamp: now, Data: data}
}
