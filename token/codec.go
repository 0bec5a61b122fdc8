package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DevelopmentKeyBits is the size of keys produced by GenerateKey.
	DevelopmentKeyBits = 2048

	// Algorithm is the JWS algorithm of every token.
	Algorithm = "RS256"
)

var (
	// ErrExpired is returned by Decode when the token is past its exp claim.
	ErrExpired = errors.New("token: expired")

	// ErrInvalidSignature is returned by Decode when the signature does not
	// verify or the token was signed with an unexpected algorithm.
	ErrInvalidSignature = errors.New("token: invalid signature")

	// ErrMalformed is returned by Decode for anything that is not a well formed
	// token with the required claims.
	ErrMalformed = errors.New("token: malformed")

	// ErrNoSigningKey is returned by Encode on a verify-only codec.
	ErrNoSigningKey = errors.New("token: codec has no signing key")
)

// Codec signs and verifies tokens.
type Codec struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string
	issuer     string
	leeway     time.Duration
	now        func() time.Time
	parser     *jwt.Parser
}

// Option configures a Codec.
type Option func(*Codec) error

// WithIssuer sets the iss claim written by Encode and required by Decode.
func WithIssuer(issuer string) Option {
	return func(c *Codec) error {
		c.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithKeyID sets the kid header written by Encode.
func WithKeyID(kid string) Option {
	return func(c *Codec) error {
		c.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithClock overrides the time source used when validating exp.
func WithClock(fn func() time.Time) Option {
	return func(c *Codec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// WithLeeway allows for clock skew when validating exp.
func WithLeeway(d time.Duration) Option {
	return func(c *Codec) error {
		if d < 0 {
			return fmt.Errorf("token: negative leeway %s", d)
		}
		c.leeway = d
		return nil
	}
}

// New creates a Codec that signs with key and verifies with its public half.
func New(key *rsa.PrivateKey, opts ...Option) (*Codec, error) {
	if key == nil {
		return nil, errors.New("token: private key is required")
	}
	return build(&Codec{privateKey: key, publicKey: &key.PublicKey}, opts)
}

// NewVerifier creates a verify-only Codec.
func NewVerifier(key *rsa.PublicKey, opts ...Option) (*Codec, error) {
	if key == nil {
		return nil, errors.New("token: public key is required")
	}
	return build(&Codec{publicKey: key}, opts)
}

func build(c *Codec, opts []Option) (*Codec, error) {
	c.now = time.Now
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{Algorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
		jwt.WithLeeway(c.leeway),
	}
	if c.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(c.issuer))
	}
	c.parser = jwt.NewParser(parserOpts...)
	return c, nil
}

// CanSign reports whether Encode is available.
func (c *Codec) CanSign() bool {
	return c.privateKey != nil
}

// PublicKey returns the verification key.
func (c *Codec) PublicKey() *rsa.PublicKey {
	return c.publicKey
}

// Encode signs claims. A jti is assigned when claims.ID is empty, and the
// configured issuer is applied.
func (c *Codec) Encode(claims Claims) (string, error) {
	if c.privateKey == nil {
		return "", ErrNoSigningKey
	}
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
	if c.issuer != "" {
		claims.Issuer = c.issuer
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if c.keyID != "" {
		tok.Header["kid"] = c.keyID
	}
	signed, err := tok.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Decode verifies the signature and expiry of value and returns its claims.
func (c *Codec) Decode(value string) (*Claims, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrMalformed
	}

	claims := &Claims{}
	parsed, err := c.parser.ParseWithClaims(value, claims, func(*jwt.Token) (any, error) {
		return c.publicKey, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if !parsed.Valid || claims.ID == "" || claims.IssuedAt == nil {
		return nil, ErrMalformed
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// GenerateKey creates a fresh RSA key for development setups that have no key
// file configured. Tokens signed with it do not survive a restart.
func GenerateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, DevelopmentKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return key, nil
}

// ReadPrivateKeyFile loads a PEM encoded RSA private key (PKCS#1 or PKCS#8).
func ReadPrivateKeyFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return key, nil
}

// ReadPublicKeyFile loads a PEM encoded RSA public key.
func ReadPublicKeyFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", path, err)
	}
	return key, nil
}

// EncodePublicKeyPEM renders key as a PKIX "PUBLIC KEY" PEM block.
func EncodePublicKeyPEM(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
