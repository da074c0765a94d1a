package auth

import (
	"crypto/tls"
	"errors"

	"github.com/chenqinghe/sockgate"
)

var ErrNotTLS = errors.New("transport is not tls")

// MutualTLS accepts a peer whose certificate was verified during the TLS
// handshake. The listener (or dialer) config must request and verify peer
// certificates, e.g. tls.RequireAndVerifyClientCert on the server side.
// The certificate's common name becomes the client identity.
type MutualTLS struct{}

var _ sockgate.Authenticator = MutualTLS{}

func (MutualTLS) AuthenticateClient(_ sockgate.Host, c *sockgate.Client) (bool, error) {
	return verifyPeer(c)
}

func (MutualTLS) AuthenticateServer(c *sockgate.Client) (bool, error) {
	return verifyPeer(c)
}

func verifyPeer(c *sockgate.Client) (bool, error) {
	tc, ok := c.Transport().(*tls.Conn)
	if !ok {
		return false, ErrNotTLS
	}
	if err := tc.Handshake(); err != nil {
		return false, err
	}

	state := tc.ConnectionState()
	if len(state.VerifiedChains) == 0 || len(state.PeerCertificates) == 0 {
		return false, nil
	}

	c.SetIdentity(state.PeerCertificates[0].Subject.CommonName)
	return true, nil
}
