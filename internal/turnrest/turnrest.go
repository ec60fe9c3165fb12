// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	ErrMissingSecret = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL    = errors.New("turnrest: ttl must be > 0")
	ErrInvalidPrefix = errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	ErrInvalidID     = errors.New("turnrest: id must be non-empty and must not contain ':'")
)

type Config struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

type Generator struct {
	secret []byte
	ttl    int64
	prefix string
	now    func() time.Time
	newID  func() string
}

func NewGenerator(cfg Config) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, ErrMissingSecret
	case cfg.TTLSeconds <= 0:
		return nil, ErrInvalidTTL
	case cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, ErrInvalidPrefix
	}
	g := &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTLSeconds,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
		newID:  cfg.NewID,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.newID == nil {
		g.newID = func() string { return uuid.NewString() }
	}
	return g, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate mints credentials bound to id.
func (g *Generator) Generate(id string) (Credentials, error) {
	if id == "" || strings.Contains(id, ":") {
		return Credentials{}, ErrInvalidID
	}
	expiry := g.now().UTC().Unix() + g.ttl
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, id)

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiry,
	}, nil
}

// GenerateRandom mints credentials bound to a fresh random id.
func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.newID())
}

// Apply returns a copy of servers with creds set on every TURN entry.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, s := range servers {
		out[i] = s
		if IsTURN(s) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

// IsTURN reports whether any of the server's URLs is a turn: or turns: URL.
func IsTURN(s webrtc.ICEServer) bool {
	for _, raw := range s.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
