package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Profile is the decoded remote user profile. Claims keeps the full provider payload and is
// never written into the credential cookie.
type Profile struct {
	Provider string         `json:"provider"`
	Subject  string         `json:"sub"`
	Email    string         `json:"email,omitempty"`
	Name     string         `json:"name,omitempty"`
	Claims   map[string]any `json:"-"`
}

// User is the local account reconciled from a profile.
type User struct {
	ID       string
	Provider string
	Subject  string
	Email    string
	Name     string
}

// UserSession is the local session record reconciled from a token.
type UserSession struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
}

// ProfileDecoder turns the raw profile endpoint body into a Profile.
type ProfileDecoder interface {
	DecodeProfile(provider string, raw []byte) (Profile, error)
}

// ProfileDecoderFunc adapts a function to ProfileDecoder.
type ProfileDecoderFunc func(provider string, raw []byte) (Profile, error)

func (f ProfileDecoderFunc) DecodeProfile(provider string, raw []byte) (Profile, error) {
	return f(provider, raw)
}

// UserUpsert creates or updates the local user for a provider identity. Implementations must
// be idempotent for the same provider and subject.
type UserUpsert interface {
	UpsertByProfile(ctx context.Context, profile Profile) (User, error)
}

// SessionUpsert creates or refreshes the local session for a user and token.
type SessionUpsert interface {
	UpsertByToken(ctx context.Context, token *TokenResponse, user User) (UserSession, error)
}

// JSONProfileDecoder decodes a JSON object profile. The subject comes from the first present
// claim in SubjectClaims, defaulting to "sub" then "id".
type JSONProfileDecoder struct {
	SubjectClaims []string
}

func (d JSONProfileDecoder) DecodeProfile(provider string, raw []byte) (Profile, error) {
	var claims map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&claims); err != nil {
		return Profile{}, wrapKind(ErrDeserialization, err)
	}
	if claims == nil {
		return Profile{}, wrapKind(ErrDeserialization, errors.New("profile is not an object"))
	}

	keys := d.SubjectClaims
	if len(keys) == 0 {
		keys = []string{"sub", "id"}
	}
	subject := claimString(claims, keys...)
	if subject == "" {
		return Profile{}, wrapKind(ErrDeserialization, errors.New("profile has no subject"))
	}

	return Profile{
		Provider: provider,
		Subject:  subject,
		Email:    claimString(claims, "email"),
		Name:     claimString(claims, "name", "preferred_username", "login"),
		Claims:   claims,
	}, nil
}

func claimString(claims map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := claims[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}
