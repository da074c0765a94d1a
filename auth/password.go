package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/chenqinghe/sockgate"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for new hashes.
const (
	Memory      = 64 * 1024 // 64 MB
	Iterations  = 3
	Parallelism = 2
	SaltLength  = 16
	KeyLength   = 32
)

var ErrInvalidHash = errors.New("invalid hash format")

// HashPassword returns an encoded Argon2id hash of password.
func HashPassword(password string) (string, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, Iterations, Memory, Parallelism, KeyLength)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s", argon2.Version, Memory, Iterations, Parallelism, b64Salt, b64Hash), nil
}

type argon2Hash struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func decodeHash(encodedHash string) (*argon2Hash, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, ErrInvalidHash
	}

	h := &argon2Hash{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.memory, &h.iterations, &h.parallelism); err != nil {
		return nil, ErrInvalidHash
	}
	if h.memory == 0 || h.iterations == 0 || h.parallelism == 0 {
		return nil, ErrInvalidHash
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if len(h.key) == 0 {
		return nil, ErrInvalidHash
	}

	return h, nil
}

// ValidateHash reports whether encodedHash is a usable HashPassword result.
func ValidateHash(encodedHash string) error {
	_, err := decodeHash(encodedHash)
	return err
}

// ComparePassword checks password against a hash from HashPassword in
// constant time.
func ComparePassword(password, encodedHash string) (bool, error) {
	h, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}

	comparisonHash := argon2.IDKey([]byte(password), h.salt, h.iterations, h.memory, h.parallelism, uint32(len(h.key)))

	return subtle.ConstantTimeCompare(h.key, comparisonHash) == 1, nil
}

// Password authenticates clients by user name and password against stored
// Argon2id hashes. The user name becomes the client identity.
type Password struct {
	// Users maps user names to hashes from HashPassword.
	Users map[string]string

	// User and Secret are what a dialing side presents.
	User   string
	Secret string

	// Codec frames the exchange, codec.JsonCodec if nil.
	Codec sockgate.Codec
}

var _ sockgate.Authenticator = (*Password)(nil)

func (p *Password) AuthenticateClient(_ sockgate.Host, c *sockgate.Client) (bool, error) {
	cdc := frameCodec(p.Codec)

	login, err := readLogin(c, cdc)
	if err != nil {
		return false, err
	}

	if err := p.check(login.User, login.Password); err != nil {
		return verdict(c, cdc, err)
	}

	c.SetIdentity(login.User)
	return verdict(c, cdc, nil)
}

func (p *Password) check(user, password string) error {
	hash, ok := p.Users[user]
	if !ok || user == "" {
		return fmt.Errorf("%w: unknown user %q", ErrInvalidCredential, user)
	}
	match, err := ComparePassword(password, hash)
	if err != nil {
		return err
	}
	if !match {
		return fmt.Errorf("%w: wrong password for %q", ErrInvalidCredential, user)
	}
	return nil
}

func (p *Password) AuthenticateServer(c *sockgate.Client) (bool, error) {
	return login(c, frameCodec(p.Codec), loginPayload{User: p.User, Password: p.Secret})
}
