package signing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignAndVerify(t *testing.T) {
	params, err := GenerateParams()
	if err != nil {
		t.Fatalf("GenerateParams: %v", err)
	}
	p, err := NewProvider(params)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	now := time.Now().UTC()
	token, err := p.Sign(jwt.MapClaims{
		"iss": "umagate",
		"sub": "client-1",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	parsed, err := jwt.Parse(token, p.Keyfunc)
	if err != nil || !parsed.Valid {
		t.Fatalf("Parse: %v (valid=%v)", err, parsed != nil && parsed.Valid)
	}
	if kid, _ := parsed.Header["kid"].(string); kid != p.KeyID() {
		t.Fatalf("kid mismatch: %q != %q", kid, p.KeyID())
	}
}

func TestKeyfuncRejectsWrongAlgorithm(t *testing.T) {
	params, err := GenerateParams()
	if err != nil {
		t.Fatalf("GenerateParams: %v", err)
	}
	p, err := NewProvider(params)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"})
	raw, err := hs.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	if _, err := jwt.Parse(raw, p.Keyfunc); err == nil {
		t.Fatalf("expected HS256 token to be rejected")
	}
}

func TestReconfigureIsNoopForSameParams(t *testing.T) {
	params, err := GenerateParams()
	if err != nil {
		t.Fatalf("GenerateParams: %v", err)
	}
	p, err := NewProvider(params)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	kid := p.KeyID()
	if err := p.Reconfigure(params); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if p.KeyID() != kid {
		t.Fatalf("unchanged params must not rebuild keys")
	}

	next, err := GenerateParams()
	if err != nil {
		t.Fatalf("GenerateParams: %v", err)
	}
	if err := p.Reconfigure(next); err != nil {
		t.Fatalf("Reconfigure with new params: %v", err)
	}
	if p.KeyID() == kid {
		t.Fatalf("expected new key id after reconfigure")
	}
}

func TestJWKSContainsActiveKey(t *testing.T) {
	params, err := GenerateParams()
	if err != nil {
		t.Fatalf("GenerateParams: %v", err)
	}
	p, err := NewProvider(params)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	raw, err := p.JWKS()
	if err != nil {
		t.Fatalf("JWKS: %v", err)
	}
	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(raw, &jwks); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(jwks.Keys) != 1 || jwks.Keys[0].Kid != p.KeyID() || jwks.Keys[0].Kty != "RSA" {
		t.Fatalf("unexpected jwks: %s", raw)
	}
}
