package directory

import (
	"encoding/json"
	"testing"
)

func TestID_KeepsWireForm(t *testing.T) {
	for _, tc := range []struct {
		in       string
		out      string
		text     string
		isNumber bool
	}{
		{in: `42`, out: `42`, text: "42", isNumber: true},
		{in: `7.5`, out: `7.5`, text: "7.5", isNumber: true},
		{in: `"42"`, out: `"42"`, text: "42"},
		{in: `"tech-1"`, out: `"tech-1"`, text: "tech-1"},
		{in: `null`, out: `null`, text: ""},
	} {
		var id ID
		if err := json.Unmarshal([]byte(tc.in), &id); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.in, err)
		}
		b, err := json.Marshal(id)
		if err != nil {
			t.Fatalf("marshal %s: %v", tc.in, err)
		}
		if string(b) != tc.out {
			t.Fatalf("%s -> %s, want %s", tc.in, b, tc.out)
		}
		if id.String() != tc.text || id.IsNumber() != tc.isNumber {
			t.Fatalf("%s: text=%q number=%v, want %q %v", tc.in, id.String(), id.IsNumber(), tc.text, tc.isNumber)
		}
	}

	for _, bad := range []string{`{"x":1}`, `true`, `[1]`} {
		var id ID
		if err := json.Unmarshal([]byte(bad), &id); err == nil {
			t.Fatalf("unmarshal %s succeeded", bad)
		}
	}
}

func TestPeer_EncodesIDsAsReceived(t *testing.T) {
	var p Peer
	raw := `{"id":42,"role":"technician","socketId":"bob@taktek","companyId":"acme","services":[3,"7"]}`
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	b, err := json.Marshal(p.Clone())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]json.RawMessage
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for field, want := range map[string]string{
		"id":        `42`,
		"companyId": `"acme"`,
		"services":  `[3,"7"]`,
	} {
		if string(got[field]) != want {
			t.Fatalf("%s=%s, want %s", field, got[field], want)
		}
	}
	if _, ok := got["serviceId"]; ok {
		t.Fatalf("absent serviceId encoded: %s", b)
	}
}
