package signing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Params identifies a signing configuration. Reconfigure compares against the
// previous params and rebuilds keys only when something changed.
type Params struct {
	PrivatePEM string
	PublicPEM  string
	KeyID      string
}

// Provider signs RPT JWTs and verifies claim tokens against the server's own
// key set. It is constructed once and injected; there is no package-level
// singleton.
type Provider struct {
	mu         sync.RWMutex
	params     Params
	privateKey *rsa.PrivateKey
	keyID      string
	publicKeys map[string]*rsa.PublicKey
}

// NewProvider builds a provider from PEM-encoded RSA keys.
func NewProvider(params Params) (*Provider, error) {
	p := &Provider{}
	if err := p.Reconfigure(params); err != nil {
		return nil, err
	}
	return p, nil
}

// Reconfigure replaces the key material when params differ from the current
// configuration. Unchanged params are a no-op.
func (p *Provider) Reconfigure(params Params) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.privateKey != nil && params == p.params {
		return nil
	}
	priv, err := parseRSAPrivateKey(params.PrivatePEM)
	if err != nil {
		return fmt.Errorf("signing: parse private key: %w", err)
	}
	pub, err := parseRSAPublicKey(params.PublicPEM)
	if err != nil {
		return fmt.Errorf("signing: parse public key: %w", err)
	}
	kid := strings.TrimSpace(params.KeyID)
	if kid == "" {
		kid = uuid.NewString()
	}
	p.params = params
	p.privateKey = priv
	p.keyID = kid
	p.publicKeys = map[string]*rsa.PublicKey{kid: pub}
	return nil
}

// KeyID returns the active signing key identifier.
func (p *Provider) KeyID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keyID
}

// Sign produces an RS256 JWT with the active kid in the header.
func (p *Provider) Sign(claims jwt.Claims) (string, error) {
	p.mu.RLock()
	priv := p.privateKey
	kid := p.keyID
	p.mu.RUnlock()
	if priv == nil {
		return "", errors.New("signing: no private key configured")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(priv)
}

// Keyfunc resolves the verification key for a parsed JWT header. Only RSA
// signatures are accepted; the kid header selects the key.
func (p *Provider) Keyfunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("signing: unexpected algorithm %q", t.Method.Alg())
	}
	kid, _ := t.Header["kid"].(string)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if key, ok := p.publicKeys[kid]; ok {
		return key, nil
	}
	// A token without kid still verifies when a single key is configured.
	if kid == "" && len(p.publicKeys) == 1 {
		for _, key := range p.publicKeys {
			return key, nil
		}
	}
	return nil, fmt.Errorf("signing: no key for kid %q", kid)
}

// JWKS renders the public key set in JWK format.
func (p *Provider) JWKS() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	type jwk struct {
		Kty string `json:"kty"`
		Use string `json:"use"`
		Kid string `json:"kid"`
		Alg string `json:"alg"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	var keys []jwk
	for kid, key := range p.publicKeys {
		keys = append(keys, jwk{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		})
	}
	return json.Marshal(map[string]any{"keys": keys})
}

// GenerateParams creates a fresh RSA key pair, handy for dev mode and tests.
func GenerateParams() (Params, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return Params{}, err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return Params{}, err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return Params{
		PrivatePEM: string(privPEM),
		PublicPEM:  string(pubPEM),
		KeyID:      uuid.NewString(),
	}, nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemData)))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemData)))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
