package sockgate

// Authenticator decides whether a handshake between the two ends of a
// connection may proceed.
//
// A false result is a clean rejection. A non-nil error is treated by the
// caller as a rejection too, it is never propagated further than a log line.
// Implementations may exchange frames over the client's transport and may
// record an identity with SetIdentity, but must not change the client's phase.
type Authenticator interface {
	// AuthenticateClient runs on the accepting side for an inbound client.
	AuthenticateClient(h Host, c *Client) (bool, error)

	// AuthenticateServer runs on the dialing side for the server it reached.
	AuthenticateServer(c *Client) (bool, error)
}

// ClientAuthFunc adapts a function to the accepting half of Authenticator.
type ClientAuthFunc func(h Host, c *Client) (bool, error)

// ServerAuthFunc adapts a function to the dialing half of Authenticator.
type ServerAuthFunc func(c *Client) (bool, error)

// Authenticators glues two functions into an Authenticator.
// A nil half accepts.
type Authenticators struct {
	Client ClientAuthFunc
	Server ServerAuthFunc
}

var _ Authenticator = Authenticators{}

func (a Authenticators) AuthenticateClient(h Host, c *Client) (bool, error) {
	if a.Client == nil {
		return true, nil
	}
	return a.Client(h, c)
}

func (a Authenticators) AuthenticateServer(c *Client) (bool, error) {
	if a.Server == nil {
		return true, nil
	}
	return a.Server(c)
}

// DefaultAuthenticator trusts everything. It is used when no Authenticator
// is configured and is only suitable for closed deployments.
var DefaultAuthenticator Authenticator = Authenticators{}
