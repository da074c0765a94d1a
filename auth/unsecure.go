package auth

import "github.com/chenqinghe/sockgate"

// Unsecure trusts every peer. Use it only on closed or local deployments.
type Unsecure struct{}

var _ sockgate.Authenticator = Unsecure{}

func (Unsecure) AuthenticateClient(sockgate.Host, *sockgate.Client) (bool, error) { return true, nil }

func (Unsecure) AuthenticateServer(*sockgate.Client) (bool, error) { return true, nil }

// Deny refuses every peer.
type Deny struct{}

var _ sockgate.Authenticator = Deny{}

func (Deny) AuthenticateClient(sockgate.Host, *sockgate.Client) (bool, error) { return false, nil }

func (Deny) AuthenticateServer(*sockgate.Client) (bool, error) { return false, nil }
