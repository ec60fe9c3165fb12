package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "TAKTEK_ICE_SERVERS_JSON"

	envStunURLs       = "TAKTEK_STUN_URLS"
	envTurnURLs       = "TAKTEK_TURN_URLS"
	envTurnUsername   = "TAKTEK_TURN_USERNAME"
	envTurnCredential = "TAKTEK_TURN_CREDENTIAL"
)

// iceSource is the raw ICE configuration before validation. The JSON form
// wins over the convenience URL lists when both are set.
type iceSource struct {
	JSON           string
	StunURLs       string
	TurnURLs       string
	TurnUsername   string
	TurnCredential string
}

// servers parses the source. When turnREST is true TURN entries may omit
// credentials because /webrtc/ice mints them per request.
func (s iceSource) servers(turnREST bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		out, err := ParseICEServersJSON(raw, turnREST)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return out, nil
	}

	var out []webrtc.ICEServer
	if stun := splitCommaSeparated(s.StunURLs); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := validateICEServer(server, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		out = append(out, server)
	}
	if turn := splitCommaSeparated(s.TurnURLs); len(turn) > 0 {
		server := webrtc.ICEServer{URLs: turn, Username: strings.TrimSpace(s.TurnUsername)}
		if cred := strings.TrimSpace(s.TurnCredential); cred != "" {
			server.Credential = cred
		}
		if err := validateICEServer(server, turnREST); err != nil {
			return nil, fmt.Errorf("%s: %w (set %s/%s or enable TURN REST)", envTurnURLs, err, envTurnUsername, envTurnCredential)
		}
		out = append(out, server)
	}
	return out, nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

// stringOrStringSlice accepts both RTCIceServer.urls spellings.
type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a browser-style RTCIceServer array.
func ParseICEServersJSON(raw string, allowTURNWithoutCredentials bool) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, s := range servers {
		server := webrtc.ICEServer{
			URLs:     splitCommaSeparated(strings.Join(s.URLs, ",")),
			Username: strings.TrimSpace(s.Username),
		}
		if strings.TrimSpace(s.Credential) != "" {
			server.Credential = s.Credential
		}
		if err := validateICEServer(server, allowTURNWithoutCredentials); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, allowTURNWithoutCredentials bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	turn := false
	for _, url := range server.URLs {
		switch {
		case strings.HasPrefix(url, "stun:"), strings.HasPrefix(url, "stuns:"):
		case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
			turn = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}
	if !turn || allowTURNWithoutCredentials {
		return nil
	}
	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, ok := server.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}
