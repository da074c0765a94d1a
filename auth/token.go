package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/chenqinghe/sockgate"
	"github.com/golang-jwt/jwt/v5"
)

// Token authenticates clients by an HS256 signed JWT carried in the login
// frame. The token subject becomes the client identity.
type Token struct {
	// Key signs and verifies tokens.
	Key []byte
	// Issuer is stamped on issued tokens and, if set, required on verified ones.
	Issuer string
	// Credential is the token a dialing side presents.
	Credential string
	// Codec frames the exchange, codec.JsonCodec if nil.
	Codec sockgate.Codec
}

var _ sockgate.Authenticator = (*Token)(nil)

// TokenClaims is the payload of tokens issued by Token.
type TokenClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Issue signs a token for subject valid for ttl.
func (t *Token) Issue(subject string, ttl time.Duration, roles ...string) (string, error) {
	now := time.Now()
	claims := &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    t.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.Key)
}

// Verify parses tokenString and checks its signature, expiry and issuer.
func (t *Token) Verify(tokenString string) (*TokenClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if t.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.Issuer))
	}

	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return t.Key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, jwt.ErrSignatureInvalid)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	return claims, nil
}

func (t *Token) AuthenticateClient(_ sockgate.Host, c *sockgate.Client) (bool, error) {
	cdc := frameCodec(t.Codec)

	login, err := readLogin(c, cdc)
	if err != nil {
		return false, err
	}
	if login.Token == "" {
		return verdict(c, cdc, errors.Join(ErrInvalidCredential, errors.New("empty token")))
	}

	claims, err := t.Verify(login.Token)
	if err != nil {
		return verdict(c, cdc, err)
	}

	c.SetIdentity(claims.Subject)
	c.Set("roles", claims.Roles)

	return verdict(c, cdc, nil)
}

func (t *Token) AuthenticateServer(c *sockgate.Client) (bool, error) {
	return login(c, frameCodec(t.Codec), loginPayload{Token: t.Credential})
}
