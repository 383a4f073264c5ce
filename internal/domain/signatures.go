package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Signatures maps a signing user to key IDs and base64 signatures:
// {"@alice:example.org": {"ed25519:DEVICE": "<sig>"}}.
type Signatures map[UserID]map[string]string

// Add records sig under user/keyID, allocating as needed.
func (s *Signatures) Add(user UserID, keyID, sig string) {
	if *s == nil {
		*s = make(Signatures)
	}
	if (*s)[user] == nil {
		(*s)[user] = make(map[string]string)
	}
	(*s)[user][keyID] = sig
}

// Get looks up a single signature.
func (s Signatures) Get(user UserID, keyID string) (string, bool) {
	sig, ok := s[user][keyID]
	return sig, ok
}

// Merge copies every entry of other into s.
func (s *Signatures) Merge(other Signatures) {
	for user, keys := range other {
		for keyID, sig := range keys {
			s.Add(user, keyID, sig)
		}
	}
}

// CanonicalJSON returns the bytes that get signed for v: object keys sorted,
// no insignificant whitespace, and the top-level "signatures" and "unsigned"
// members removed.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	if obj, ok := generic.(map[string]any); ok {
		delete(obj, "signatures")
		delete(obj, "unsigned")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
