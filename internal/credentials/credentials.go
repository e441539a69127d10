// Package credentials supplies the bearer token and user id the relay
// authenticates with. Token issuing and refresh belong to the web app; the
// relay only reads what was stored and notices when it changes.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	zkr "github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// ErrNotFound means the source holds no credentials yet.
var ErrNotFound = errors.New("credentials not found")

// Credentials is what the backend handshake needs.
type Credentials struct {
	Token  string `yaml:"token" json:"token"`
	UserID string `yaml:"user_id" json:"user_id"`
}

// Valid reports whether both fields are present and, when the token is a
// JWT, whether it has not expired yet. Opaque tokens are accepted as-is.
func (c Credentials) Valid() bool {
	if strings.TrimSpace(c.Token) == "" || strings.TrimSpace(c.UserID) == "" {
		return false
	}
	exp, ok := ExpiresAt(c.Token)
	if !ok {
		return true
	}
	return time.Now().Before(exp)
}

// ExpiresAt returns the exp claim of a JWT without verifying its signature;
// the backend does the verification. ok is false for non-JWT tokens or
// tokens without exp.
func ExpiresAt(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Source loads the current credentials.
type Source interface {
	Load(ctx context.Context) (Credentials, error)
}

// FileSource reads a small YAML file with token and user_id keys.
type FileSource struct {
	Path string
}

func (s FileSource) Load(_ context.Context) (Credentials, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credentials{}, ErrNotFound
		}
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	var c Credentials
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials %s: %w", s.Path, err)
	}
	if c.Token == "" && c.UserID == "" {
		return Credentials{}, ErrNotFound
	}
	return c, nil
}

// Save writes c to the file with owner-only permissions.
func (s FileSource) Save(c Credentials) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(s.Path, data, 0o600)
}

// EnvSource reads MARKETRELAY_TOKEN and MARKETRELAY_USER_ID (or the given names).
type EnvSource struct {
	TokenVar  string
	UserIDVar string
}

func (s EnvSource) Load(_ context.Context) (Credentials, error) {
	tokenVar, userVar := s.TokenVar, s.UserIDVar
	if tokenVar == "" {
		tokenVar = "MARKETRELAY_TOKEN"
	}
	if userVar == "" {
		userVar = "MARKETRELAY_USER_ID"
	}
	c := Credentials{Token: os.Getenv(tokenVar), UserID: os.Getenv(userVar)}
	if c.Token == "" && c.UserID == "" {
		return Credentials{}, ErrNotFound
	}
	return c, nil
}

// KeyringSource keeps the token in the OS keychain under Service/User and
// stores the user id alongside it as "<userID>\n<token>".
type KeyringSource struct {
	Service string
	User    string
}

func (s KeyringSource) Load(_ context.Context) (Credentials, error) {
	raw, err := zkr.Get(s.Service, s.User)
	if err != nil {
		if errors.Is(err, zkr.ErrNotFound) {
			return Credentials{}, ErrNotFound
		}
		return Credentials{}, fmt.Errorf("keychain get: %w", err)
	}
	userID, token, ok := strings.Cut(raw, "\n")
	if !ok {
		return Credentials{}, fmt.Errorf("keychain entry %s/%s is malformed", s.Service, s.User)
	}
	return Credentials{Token: token, UserID: userID}, nil
}

// Save stores c in the keychain.
func (s KeyringSource) Save(c Credentials) error {
	if strings.Contains(c.UserID, "\n") {
		return fmt.Errorf("user id must not contain a newline")
	}
	return zkr.Set(s.Service, s.User, c.UserID+"\n"+c.Token)
}

// Delete removes the keychain entry; a missing entry is not an error.
func (s KeyringSource) Delete() error {
	if err := zkr.Delete(s.Service, s.User); err != nil && !errors.Is(err, zkr.ErrNotFound) {
		return err
	}
	return nil
}
