// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"fmt"
	"time"
)

// CredentialType is the wire tag of a sink credential.
type CredentialType string

const (
	CredentialAccessToken CredentialType = "ACCESSTOKEN"
	CredentialPlain       CredentialType = "PLAIN"
)

// Credential is the closed set of sink credential variants. The unexported
// method keeps the set sealed to this package; consumers switch over
// *AccessTokenCredential, *PlainCredential and *UnsupportedCredential.
type Credential interface {
	Type() CredentialType
	sealed()
}

// AccessTokenCredential is sent as "Authorization: Bearer <token>".
type AccessTokenCredential struct {
	AccessToken     string
	AccessTokenType string // "bearer" is the only type sinks accept today
	ExpiresAt       time.Time
}

func (*AccessTokenCredential) Type() CredentialType { return CredentialAccessToken }
func (*AccessTokenCredential) sealed()              {}

// PlainCredential is sent as "Authorization: Basic base64(identifier:secret)".
type PlainCredential struct {
	Identifier string
	Secret     string
}

func (*PlainCredential) Type() CredentialType { return CredentialPlain }
func (*PlainCredential) sealed()              {}

// UnsupportedCredential preserves a credential kind this build does not know
// how to present (e.g. REFRESHTOKEN). Deliveries proceed without Authorization.
type UnsupportedCredential struct {
	Kind CredentialType
}

func (c *UnsupportedCredential) Type() CredentialType { return c.Kind }
func (*UnsupportedCredential) sealed()                {}

// CredentialDoc is the flat persisted form of a Credential.
type CredentialDoc struct {
	Type            CredentialType `json:"credentialType"`
	AccessToken     string         `json:"accessToken,omitempty"`
	AccessTokenType string         `json:"accessTokenType,omitempty"`
	ExpiresAtUnixMS int64          `json:"accessTokenExpiresUtc,omitempty"`
	Identifier      string         `json:"identifier,omitempty"`
	Secret          string         `json:"secret,omitempty"`
}

// EncodeCredential flattens c; a nil credential encodes to nil.
func EncodeCredential(c Credential) *CredentialDoc {
	switch v := c.(type) {
	case nil:
		return nil
	case *AccessTokenCredential:
		doc := &CredentialDoc{Type: CredentialAccessToken, AccessToken: v.AccessToken, AccessTokenType: v.AccessTokenType}
		if !v.ExpiresAt.IsZero() {
			doc.ExpiresAtUnixMS = v.ExpiresAt.UnixMilli()
		}
		return doc
	case *PlainCredential:
		return &CredentialDoc{Type: CredentialPlain, Identifier: v.Identifier, Secret: v.Secret}
	case *UnsupportedCredential:
		return &CredentialDoc{Type: v.Kind}
	default:
		panic(fmt.Sprintf("model: unhandled credential variant %T", c))
	}
}

// DecodeCredential is the inverse of EncodeCredential. Unknown types decode to
// *UnsupportedCredential so that newer writers never break older readers.
func DecodeCredential(doc *CredentialDoc) Credential {
	if doc == nil || doc.Type == "" {
		return nil
	}
	switch doc.Type {
	case CredentialAccessToken:
		c := &AccessTokenCredential{AccessToken: doc.AccessToken, AccessTokenType: doc.AccessTokenType}
		if doc.ExpiresAtUnixMS > 0 {
			c.ExpiresAt = time.UnixMilli(doc.ExpiresAtUnixMS).UTC()
		}
		return c
	case CredentialPlain:
		return &PlainCredential{Identifier: doc.Identifier, Secret: doc.Secret}
	default:
		return &UnsupportedCredential{Kind: doc.Type}
	}
}
