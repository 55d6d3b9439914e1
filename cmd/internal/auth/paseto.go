package auth

import (
	"context"
	"time"

	"classchat/cmd/identity"

	paseto "aidanwoods.dev/go-paseto"
)

// PasetoManager verifies (and optionally issues) PASETO v4.public tokens
// carrying "uid" and "role" claims.
type PasetoManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
	now       func() time.Time

	public   paseto.V4AsymmetricPublicKey
	secret   paseto.V4AsymmetricSecretKey
	canIssue bool
}

// NewPasetoManager builds a manager from cfg. A secret key implies the public
// key; a public key alone yields a verify-only manager.
func NewPasetoManager(cfg Config) (*PasetoManager, error) {
	m := &PasetoManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.TokenTTL,
		clockSkew: cfg.ClockSkew,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if m.ttl <= 0 {
		m.ttl = DefaultConfig().TokenTTL
	}

	switch {
	case cfg.SecretKeyHex != "":
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.secret = secret
		m.public = secret.Public()
		m.canIssue = true
	case cfg.PublicKeyHex != "":
		public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PublicKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.public = public
	default:
		return nil, ErrConfig
	}
	return m, nil
}

// PublicKeyHex exports the verification key.
func (m *PasetoManager) PublicKeyHex() string { return m.public.ExportHex() }

// Issue signs a token for p. It fails on verify-only managers.
func (m *PasetoManager) Issue(p identity.Principal, now time.Time) (string, time.Time, error) {
	if !m.canIssue {
		return "", time.Time{}, ErrConfig
	}
	if err := p.Validate(); err != nil {
		return "", time.Time{}, err
	}
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	tok.SetString("uid", p.UserID)
	tok.SetString("role", p.Role.String())

	return tok.V4Sign(m.secret, nil), exp, nil
}

// Verify parses token at now.
func (m *PasetoManager) Verify(token string, now time.Time) (identity.Principal, error) {
	// Validate slightly in the future so a peer's clock drift does not trip nbf.
	validNow := now.Add(m.clockSkew)

	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return identity.Principal{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return identity.Principal{}, ErrInvalidToken
	}
	rawRole, err := parsed.GetString("role")
	if err != nil {
		return identity.Principal{}, ErrInvalidToken
	}
	role, err := identity.ParseRole(rawRole)
	if err != nil {
		return identity.Principal{}, ErrInvalidToken
	}
	return identity.Principal{UserID: uid, Role: role}, nil
}

// Resolve implements Resolver.
func (m *PasetoManager) Resolve(_ context.Context, bearer string) (identity.Principal, error) {
	if bearer == "" {
		return identity.Principal{}, ErrMissingToken
	}
	return m.Verify(bearer, m.now())
}

// GenerateSecretKeyHex returns a fresh v4 secret key for tooling and tests.
func GenerateSecretKeyHex() string {
	return paseto.NewV4AsymmetricSecretKey().ExportHex()
}
