// Package internal holds the opaque wire formats handed back to clients as
// refresh_token and authorization code values. Neither format carries any
// secret material of its own; they are just enough to look up the real
// record in storage.
package internal

import (
	"encoding/base64"
	"encoding/json"
)

// RefreshToken is the opaque value returned to clients for grant_type=
// refresh_token. RefreshID identifies the storage.RefreshToken row; Token is
// compared against its Token/ObsoleteToken fields to detect reuse.
type RefreshToken struct {
	RefreshID string `json:"refresh_id"`
	Token     string `json:"token"`
}

// IDTokenSubject is the encoded form of an id_token's "sub" claim. It binds
// the subject to a specific connector so a claim can't be replayed against a
// different one.
type IDTokenSubject struct {
	UserID string `json:"user_id"`
	ConnID string `json:"conn_id"`
}

// Marshal encodes v to a URL-legal string.
func Marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Unmarshal decodes a string produced by Marshal.
func Unmarshal(s string, v interface{}) error {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// UnmarshalJSON implements json.Unmarshaler so an IDTokenSubject can be
// embedded directly as a token claim: the claim is the encoded string, not
// the struct itself.
func (s *IDTokenSubject) UnmarshalJSON(src []byte) error {
	var sub string
	if err := json.Unmarshal(src, &sub); err != nil {
		return err
	}
	return Unmarshal(sub, s)
}

// MarshalJSON mirrors UnmarshalJSON: the claim serializes as the encoded
// string form, not the struct's fields.
func (s IDTokenSubject) MarshalJSON() ([]byte, error) {
	enc, err := Marshal(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(enc)
}
