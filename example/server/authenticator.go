package main

import (
	"github.com/chenqinghe/sockgate"
	"github.com/chenqinghe/sockgate/auth"
	"github.com/chenqinghe/sockgate/codec"
	"github.com/chenqinghe/sockgate/config"
)

// newAuthenticator builds the configured authenticator. The token
// authenticator is returned too when the method is token, for the signer.
func newAuthenticator(cfg *config.Config) (sockgate.Authenticator, *auth.Token) {
	var (
		a      sockgate.Authenticator
		tokens *auth.Token
	)

	switch cfg.Auth.Method {
	case "token":
		tokens = &auth.Token{
			Key:    []byte(cfg.Auth.TokenKey),
			Issuer: cfg.Auth.Issuer,
			Codec:  loginCodec(cfg.Auth.Codec),
		}
		a = tokens
	case "password":
		a = &auth.Password{Users: cfg.Auth.Users, Codec: loginCodec(cfg.Auth.Codec)}
	case "tls":
		a = auth.MutualTLS{}
	default:
		a = auth.Unsecure{}
	}

	if cfg.Auth.Timeout > 0 {
		a = auth.WithTimeout(a, cfg.Auth.Timeout)
	}
	return a, tokens
}

func loginCodec(name string) sockgate.Codec {
	if name == "tlv" {
		return codec.TLVCodec{}
	}
	return codec.JsonCodec{}
}
