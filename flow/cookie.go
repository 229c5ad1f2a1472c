package flow

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// Credential cookie defaults.
const (
	DefaultCookieName   = "oauth2_credential"
	DefaultCookieTTL    = 10 * time.Minute
	DefaultProtectedURL = "/oauth2/protected"

	maxCookieBytes = 4096
	minSecretBytes = 32
)

// CookiePolicy holds the credential cookie settings of one provider.
type CookiePolicy struct {
	ProtectedURL string
	Name         string
	Domain       string
	Path         string
	TTL          time.Duration
	// Insecure drops the Secure flag, for plain-http development only. The credential
	// cookie is always HttpOnly.
	Insecure bool
}

// DefaultCookiePolicy returns the production policy.
func DefaultCookiePolicy() CookiePolicy {
	return CookiePolicy{
		ProtectedURL: DefaultProtectedURL,
		Name:         DefaultCookieName,
		Path:         "/",
		TTL:          DefaultCookieTTL,
	}
}

func (p CookiePolicy) withDefaults() CookiePolicy {
	if p.Name == "" {
		p.Name = DefaultCookieName
	}
	if p.Path == "" {
		p.Path = "/"
	}
	if p.TTL <= 0 {
		p.TTL = DefaultCookieTTL
	}
	return p
}

// Grant is everything the callback learned that the credential cookie carries forward.
type Grant struct {
	Provider string
	Token    *TokenResponse
	Profile  Profile
	User     User
	Session  UserSession
}

// Credential is a decoded credential cookie.
type Credential struct {
	Provider  string
	Token     TokenResponse
	Profile   Profile
	UserID    string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type credentialClaims struct {
	Provider  string        `json:"prv"`
	Token     TokenResponse `json:"tok"`
	Profile   Profile       `json:"pro"`
	SessionID string        `json:"sid"`
	jwt.RegisteredClaims
}

// CookieIssuer seals grants into credential cookies: an HS256 JWT wrapped in a direct
// A256GCM JWE. Both keys are derived from one process-wide secret.
type CookieIssuer struct {
	signKey []byte
	encKey  []byte
	now     func() time.Time
}

// NewCookieIssuer derives the signing and encryption keys from secret.
func NewCookieIssuer(secret []byte) (*CookieIssuer, error) {
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("credential secret must be at least %d bytes, got %d", minSecretBytes, len(secret))
	}
	signKey, err := deriveKey(secret, "oauth2gate credential signing")
	if err != nil {
		return nil, err
	}
	encKey, err := deriveKey(secret, "oauth2gate credential encryption")
	if err != nil {
		return nil, err
	}
	return &CookieIssuer{signKey: signKey, encKey: encKey, now: time.Now}, nil
}

// SetClock replaces the time source used for issuing and validating cookies.
func (i *CookieIssuer) SetClock(now func() time.Time) {
	i.now = now
}

// Issue builds the credential cookie for grant under policy.
func (i *CookieIssuer) Issue(policy CookiePolicy, grant Grant) (*http.Cookie, error) {
	if grant.Token == nil || grant.Token.AccessToken == "" {
		return nil, wrapKind(ErrCookieEncoding, errors.New("token response has no access token"))
	}
	policy = policy.withDefaults()

	now := i.now()
	expires := now.Add(policy.TTL)
	claims := credentialClaims{
		Provider:  grant.Provider,
		Token:     *grant.Token,
		Profile:   grant.Profile,
		SessionID: grant.Session.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   grant.User.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signKey)
	if err != nil {
		return nil, wrapKind(ErrCookieEncoding, fmt.Errorf("sign credential: %w", err))
	}

	enc, err := jose.NewEncrypter(jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: i.encKey},
		(&jose.EncrypterOptions{}).WithContentType("JWT"))
	if err != nil {
		return nil, wrapKind(ErrCookieEncoding, fmt.Errorf("create encrypter: %w", err))
	}
	obj, err := enc.Encrypt([]byte(signed))
	if err != nil {
		return nil, wrapKind(ErrCookieEncoding, fmt.Errorf("encrypt credential: %w", err))
	}
	value, err := obj.CompactSerialize()
	if err != nil {
		return nil, wrapKind(ErrCookieEncoding, fmt.Errorf("serialize credential: %w", err))
	}
	if len(value) > maxCookieBytes {
		return nil, wrapKind(ErrCookieEncoding, fmt.Errorf("credential is %d bytes, limit %d", len(value), maxCookieBytes))
	}

	return &http.Cookie{
		Name:     policy.Name,
		Value:    value,
		Path:     policy.Path,
		Domain:   policy.Domain,
		Expires:  expires,
		MaxAge:   int(policy.TTL.Seconds()),
		Secure:   !policy.Insecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// Decode opens a credential cookie value, rejecting tampered and expired values.
func (i *CookieIssuer) Decode(value string) (*Credential, error) {
	if value == "" {
		return nil, ErrCredentialInvalid
	}
	obj, err := jose.ParseEncrypted(value)
	if err != nil {
		return nil, wrapKind(ErrCredentialInvalid, err)
	}
	plaintext, err := obj.Decrypt(i.encKey)
	if err != nil {
		return nil, wrapKind(ErrCredentialInvalid, err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	claims := &credentialClaims{}
	if _, err := parser.ParseWithClaims(string(plaintext), claims, func(*jwt.Token) (any, error) {
		return i.signKey, nil
	}); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, wrapKind(ErrCredentialExpired, err)
		}
		return nil, wrapKind(ErrCredentialInvalid, err)
	}

	cred := &Credential{
		Provider:  claims.Provider,
		Token:     claims.Token,
		Profile:   claims.Profile,
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
	}
	if claims.IssuedAt != nil {
		cred.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
