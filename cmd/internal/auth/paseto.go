package auth

import (
	"net/http"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
)

// PasetoConfig configures PasetoVerifier.
type PasetoConfig struct {
	// PublicKeyHex is the hex-encoded Ed25519 public key of the token issuer.
	PublicKeyHex string
	// Issuer must match the "iss" claim.
	Issuer string
	// ClockSkew tolerates minor clock differences with the issuer.
	ClockSkew time.Duration
}

// PasetoVerifier verifies v4.public access tokens.
type PasetoVerifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
	now       func() time.Time
}

// NewPasetoVerifier validates cfg and parses the public key.
func NewPasetoVerifier(cfg PasetoConfig) (*PasetoVerifier, error) {
	if strings.TrimSpace(cfg.Issuer) == "" || cfg.ClockSkew < 0 {
		return nil, ErrConfig
	}
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(strings.TrimSpace(cfg.PublicKeyHex))
	if err != nil {
		return nil, ErrConfig
	}
	return &PasetoVerifier{
		issuer:    cfg.Issuer,
		clockSkew: cfg.ClockSkew,
		public:    public,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (v *PasetoVerifier) Authenticate(r *http.Request) (Claims, error) {
	token := BearerToken(r)
	if token == "" {
		return Claims{}, ErrUnauthenticated
	}
	return v.Verify(token, v.now())
}

// Verify checks signature, issuer and validity window of token at now.
func (v *PasetoVerifier) Verify(token string, now time.Time) (Claims, error) {
	// Checking slightly in the future tolerates "nbf" drift and makes expiry stricter.
	validNow := now.Add(v.clockSkew)

	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(v.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	raw, err := parsed.GetString("uid")
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	uid, ok := chat.NormalizeUserID(raw)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	exp, _ := parsed.GetExpiration()

	return Claims{UserID: uid, ExpiresAt: exp}, nil
}

// Signer issues v4.public access tokens. Production tokens come from the identity
// service; Signer backs local tooling and tests.
type Signer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewSigner parses a hex-encoded Ed25519 secret key.
func NewSigner(secretKeyHex, issuer string, ttl time.Duration) (*Signer, error) {
	if strings.TrimSpace(issuer) == "" || ttl <= 0 {
		return nil, ErrConfig
	}
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(secretKeyHex))
	if err != nil {
		return nil, ErrConfig
	}
	return &Signer{issuer: issuer, ttl: ttl, secret: secret}, nil
}

// GenerateKeyHex returns a fresh secret key and its public half, both hex-encoded.
func GenerateKeyHex() (secretHex, publicHex string) {
	secret := paseto.NewV4AsymmetricSecretKey()
	return secret.ExportHex(), secret.Public().ExportHex()
}

// PublicKeyHex returns the public key matching the signer.
func (s *Signer) PublicKeyHex() string {
	return s.secret.Public().ExportHex()
}

// Issue signs a token for userID valid from now.
func (s *Signer) Issue(userID string, now time.Time) (string, time.Time) {
	exp := now.Add(s.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(s.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	_ = tok.Set("uid", userID)

	return tok.V4Sign(s.secret, nil), exp
}
