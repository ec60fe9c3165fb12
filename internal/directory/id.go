package directory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a client-supplied identifier. Clients send ids as JSON strings or
// numbers; ID keeps the literal so it is relayed back in the form it came in.
type ID struct {
	raw string
}

// StringID returns an id that encodes as a JSON string.
func StringID(s string) ID {
	if s == "" {
		return ID{}
	}
	b, _ := json.Marshal(s)
	return ID{raw: string(b)}
}

// NumberID returns an id that encodes as a JSON number.
func NumberID(n int64) ID {
	return ID{raw: strconv.FormatInt(n, 10)}
}

func (id ID) IsZero() bool { return id.raw == "" }

// IsNumber reports whether the id was sent as a JSON number.
func (id ID) IsNumber() bool { return id.raw != "" && id.raw[0] != '"' }

// String returns the id text without JSON quoting.
func (id ID) String() string {
	if !id.IsNumber() && id.raw != "" {
		var s string
		if err := json.Unmarshal([]byte(id.raw), &s); err == nil {
			return s
		}
	}
	return id.raw
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.raw == "" {
		return []byte("null"), nil
	}
	return []byte(id.raw), nil
}

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0:
		return fmt.Errorf("empty id")
	case bytes.Equal(b, []byte("null")):
		*id = ID{}
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = StringID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("id must be a string or number: %w", err)
		}
		*id = ID{raw: n.String()}
	}
	return nil
}

func cloneIDs(ids []ID) []ID {
	if ids == nil {
		return nil
	}
	return append([]ID(nil), ids...)
}
