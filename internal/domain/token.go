package domain

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

var ErrInvalidToken = errors.New("invalid token")

// Token is the decoded admission credential.
// ClientRef is a per-user device reference, not a node id; it only becomes
// a node id after the store resolves the device binding.
type Token struct {
	UserRef     string
	ClientRef   string
	SessionUUID string
}

type wireToken struct {
	UserRef     looseString `json:"userId"`
	ClientRef   looseString `json:"nodeId"`
	SessionUUID looseString `json:"uuid"`
}

// looseString accepts a JSON string or number.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = looseString(n.String())
	return nil
}

var tokenEncodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// DecodeToken parses a base64 JSON token. Any decode failure or missing
// field yields ErrInvalidToken.
func DecodeToken(raw string) (Token, error) {
	// '+' arrives as ' ' when the client did not escape the query value.
	raw = strings.ReplaceAll(strings.TrimSpace(raw), " ", "+")
	if raw == "" {
		return Token{}, ErrInvalidToken
	}

	var data []byte
	for _, enc := range tokenEncodings {
		b, err := enc.DecodeString(raw)
		if err == nil {
			data = b
			break
		}
	}
	if data == nil {
		return Token{}, ErrInvalidToken
	}

	var w wireToken
	if err := json.Unmarshal(data, &w); err != nil {
		return Token{}, errors.Join(ErrInvalidToken, err)
	}
	t := Token{
		UserRef:     strings.TrimSpace(string(w.UserRef)),
		ClientRef:   strings.TrimSpace(string(w.ClientRef)),
		SessionUUID: strings.TrimSpace(string(w.SessionUUID)),
	}
	if t.UserRef == "" || t.ClientRef == "" || t.SessionUUID == "" {
		return Token{}, ErrInvalidToken
	}
	return t, nil
}

// EncodeToken is the inverse of DecodeToken, used by tooling and tests.
func EncodeToken(t Token) string {
	b, _ := json.Marshal(map[string]string{
		"userId": t.UserRef,
		"nodeId": t.ClientRef,
		"uuid":   t.SessionUUID,
	})
	return base64.StdEncoding.EncodeToString(b)
}
