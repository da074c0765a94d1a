package auth

import (
	"time"

	"github.com/chenqinghe/sockgate"
)

type timeout struct {
	sockgate.Authenticator
	d time.Duration
}

// WithTimeout bounds both checks of a by a deadline on the client's
// transport. A check running past it fails with a timeout error and the
// deadline is cleared afterwards.
func WithTimeout(a sockgate.Authenticator, d time.Duration) sockgate.Authenticator {
	return timeout{Authenticator: a, d: d}
}

func (t timeout) AuthenticateClient(h sockgate.Host, c *sockgate.Client) (bool, error) {
	if err := c.Transport().SetDeadline(time.Now().Add(t.d)); err != nil {
		return false, err
	}
	defer c.Transport().SetDeadline(time.Time{})

	return t.Authenticator.AuthenticateClient(h, c)
}

func (t timeout) AuthenticateServer(c *sockgate.Client) (bool, error) {
	if err := c.Transport().SetDeadline(time.Now().Add(t.d)); err != nil {
		return false, err
	}
	defer c.Transport().SetDeadline(time.Time{})

	return t.Authenticator.AuthenticateServer(c)
}

type chain []sockgate.Authenticator

// All accepts only when every authenticator accepts, checked in order.
func All(as ...sockgate.Authenticator) sockgate.Authenticator {
	return chain(as)
}

func (ch chain) AuthenticateClient(h sockgate.Host, c *sockgate.Client) (bool, error) {
	for _, a := range ch {
		if ok, err := a.AuthenticateClient(h, c); !ok || err != nil {
			return false, err
		}
	}
	return true, nil
}

func (ch chain) AuthenticateServer(c *sockgate.Client) (bool, error) {
	for _, a := range ch {
		if ok, err := a.AuthenticateServer(c); !ok || err != nil {
			return false, err
		}
	}
	return true, nil
}
