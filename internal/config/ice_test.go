package config

import (
	"strings"
	"testing"

	"github.com/TakTek-App/TakTek-App/internal/turnrest"
)

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {"urls": ["stun:stun.example.com:3478"]},
	  {"urls": ["turn:turn.example.com:3478?transport=udp"], "username": "user", "credential": "pass"}
	]`

	servers, err := ParseICEServersJSON(raw, false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}
	if got := servers[1].Username; got != "user" {
		t.Fatalf("unexpected username: %q", got)
	}
	if cred, ok := servers[1].Credential.(string); !ok || cred != "pass" {
		t.Fatalf("unexpected credential: %#v", servers[1].Credential)
	}
}

func TestParseICEServersJSON_SupportsSingleStringURLs(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersJSON(`[{"urls": "stun:stun.example.com:3478"}]`, false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 || len(servers[0].URLs) != 1 {
		t.Fatalf("unexpected servers: %#v", servers)
	}
}

func TestParseICEServersJSON_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "bad scheme", raw: `[{"urls": ["http://example.com"]}]`, want: "unsupported url scheme"},
		{name: "missing urls", raw: `[{"urls": []}]`, want: "missing urls"},
		{name: "turn without username", raw: `[{"urls": "turn:t.example.com"}]`, want: "require username"},
		{name: "turn without credential", raw: `[{"urls": "turn:t.example.com", "username": "u"}]`, want: "require credential"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseICEServersJSON(tt.raw, false)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestICESource_TURNRESTAllowsMissingCredentials(t *testing.T) {
	t.Parallel()

	src := iceSource{TurnURLs: "turn:turn.example.com:3478"}
	if _, err := src.servers(false); err == nil {
		t.Fatalf("expected error for TURN without credentials")
	}
	servers, err := src.servers(true)
	if err != nil {
		t.Fatalf("servers: %v", err)
	}
	if len(servers) != 1 || !turnrest.IsTURN(servers[0]) {
		t.Fatalf("unexpected servers: %#v", servers)
	}
}

func TestICESource_ConvenienceLists(t *testing.T) {
	t.Parallel()

	src := iceSource{
		StunURLs:       "stun:a.example.com, stun:b.example.com",
		TurnURLs:       "turn:t.example.com",
		TurnUsername:   "u",
		TurnCredential: "p",
	}
	servers, err := src.servers(false)
	if err != nil {
		t.Fatalf("servers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len=%d, want 2", len(servers))
	}
	if got := servers[0].URLs; len(got) != 2 || got[1] != "stun:b.example.com" {
		t.Fatalf("stun urls=%v", got)
	}
}
