package coinbase

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/coachpo/sentinel/errs"
)

const (
	// TokenTTL is the lifetime of an issued token.
	TokenTTL    = 120 * time.Second
	tokenIssuer = "cdp"
	nonceBytes  = 16
)

// KeySource yields the API key name and its EC private key in PEM form.
type KeySource interface {
	Key() (name string, pemBytes []byte, err error)
}

// StaticKey is a key held in memory.
type StaticKey struct {
	Name string
	PEM  string
}

// Key implements KeySource.
func (s StaticKey) Key() (string, []byte, error) {
	if strings.TrimSpace(s.Name) == "" || strings.TrimSpace(s.PEM) == "" {
		return "", nil, errs.New("coinbase/auth", errs.CodeAuth, errs.WithMessage("api key name and private key are required"))
	}
	return strings.TrimSpace(s.Name), normalizePEM(s.PEM), nil
}

// FileKey reads a JSON key file on every call, so a rotated or briefly
// unreadable file is picked up on the next token.
type FileKey struct {
	Path string
}

type keyFile struct {
	Name       string `json:"name"`
	Key        string `json:"key"`
	PrivateKey string `json:"privateKey"`
	Secret     string `json:"secret"`
}

// Key implements KeySource.
func (f FileKey) Key() (string, []byte, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return "", nil, errs.New("coinbase/auth", errs.CodeAuth, errs.WithMessage("read key file"), errs.WithCause(err))
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return "", nil, errs.New("coinbase/auth", errs.CodeAuth, errs.WithMessage("decode key file"), errs.WithCause(err))
	}
	name := kf.Name
	if name == "" {
		name = kf.Key
	}
	secret := kf.PrivateKey
	if secret == "" {
		secret = kf.Secret
	}
	return StaticKey{Name: name, PEM: secret}.Key()
}

// normalizePEM restores newlines escaped by env files and shells.
func normalizePEM(pem string) []byte {
	return []byte(strings.ReplaceAll(strings.TrimSpace(pem), `\n`, "\n"))
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithClock overrides the time source used for nbf/exp.
func WithClock(now func() time.Time) AuthOption {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithRandom overrides the nonce entropy source.
func WithRandom(r io.Reader) AuthOption {
	return func(a *Authenticator) {
		if r != nil {
			a.random = r
		}
	}
}

// Authenticator issues ES256 tokens for subscription frames. Tokens are never
// cached; the parsed key is reused while the PEM is unchanged.
type Authenticator struct {
	source KeySource
	now    func() time.Time
	random io.Reader

	mu        sync.Mutex
	cachedPEM string
	cachedKey *ecdsa.PrivateKey
}

// NewAuthenticator constructs an authenticator over source.
func NewAuthenticator(source KeySource, opts ...AuthOption) (*Authenticator, error) {
	if source == nil {
		return nil, errs.New("coinbase/auth", errs.CodeFatal, errs.WithMessage("key source required"))
	}
	a := &Authenticator{source: source, now: time.Now, random: rand.Reader}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Validate checks that an in-memory key is present and parses. File-backed
// keys are only checked for a path; their contents are read per token.
func (a *Authenticator) Validate() error {
	switch src := a.source.(type) {
	case StaticKey:
		_, pemBytes, err := src.Key()
		if err != nil {
			return errs.New("coinbase/auth", errs.CodeFatal, errs.WithMessage("missing credentials"), errs.WithCause(err))
		}
		if _, err := jwt.ParseECPrivateKeyFromPEM(pemBytes); err != nil {
			return errs.New("coinbase/auth", errs.CodeFatal, errs.WithMessage("invalid private key"), errs.WithCause(err))
		}
	case FileKey:
		if strings.TrimSpace(src.Path) == "" {
			return errs.New("coinbase/auth", errs.CodeFatal, errs.WithMessage("key file path required"))
		}
	}
	return nil
}

// Token issues a fresh signed token.
func (a *Authenticator) Token() (string, error) {
	name, pemBytes, err := a.source.Key()
	if err != nil {
		return "", err
	}
	key, err := a.parseKey(pemBytes)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceBytes)
	if _, err := io.ReadFull(a.random, nonce); err != nil {
		return "", errs.New("coinbase/auth", errs.CodeAuth, errs.WithMessage("generate nonce"), errs.WithCause(err))
	}

	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"sub": name,
		"iss": tokenIssuer,
		"nbf": now.Unix(),
		"exp": now.Add(TokenTTL).Unix(),
	})
	token.Header["kid"] = name
	token.Header["nonce"] = hex.EncodeToString(nonce)

	signed, err := token.SignedString(key)
	if err != nil {
		return "", errs.New("coinbase/auth", errs.CodeAuth, errs.WithMessage("sign token"), errs.WithCause(err))
	}
	return signed, nil
}

func (a *Authenticator) parseKey(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cachedKey != nil && a.cachedPEM == string(pemBytes) {
		return a.cachedKey, nil
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, errs.New("coinbase/auth", errs.CodeAuth, errs.WithMessage("parse private key"), errs.WithCause(fmt.Errorf("ec pem: %w", err)))
	}
	a.cachedPEM = string(pemBytes)
	a.cachedKey = key
	return key, nil
}
