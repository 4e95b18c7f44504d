// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"encoding/json"
	"time"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
)

// sessionDoc is the JSON form used by the key-value backends (redis, badger).
// Timestamps are unix milliseconds; 0 means unset.
type sessionDoc struct {
	ID                string               `json:"id"`
	SubscriptionID    string               `json:"subscriptionId,omitempty"`
	StartedAtMS       int64                `json:"startedAt"`
	DurationMS        int64                `json:"durationMs"`
	ExpiresAtMS       int64                `json:"expiresAt"`
	Device            model.Endpoint       `json:"device"`
	ApplicationServer model.Endpoint       `json:"applicationServer"`
	QosProfile        string               `json:"qosProfile"`
	SinkURL           string               `json:"sink,omitempty"`
	SinkCredential    *model.CredentialDoc `json:"sinkCredential,omitempty"`
	LockUntilMS       int64                `json:"expirationLockUntil,omitempty"`
	BookkeeperID      string               `json:"bookkeeperId,omitempty"`
	Status            model.Status         `json:"status"`
	CreatedAtMS       int64                `json:"createdAt"`
	UpdatedAtMS       int64                `json:"updatedAt"`
}

func marshalSession(s *model.Session) ([]byte, error) {
	return json.Marshal(sessionDoc{
		ID:                s.ID,
		SubscriptionID:    s.SubscriptionID,
		StartedAtMS:       msOf(s.StartedAt),
		DurationMS:        s.Duration.Milliseconds(),
		ExpiresAtMS:       msOf(s.ExpiresAt),
		Device:            s.Device,
		ApplicationServer: s.ApplicationServer,
		QosProfile:        s.QosProfile,
		SinkURL:           s.SinkURL,
		SinkCredential:    model.EncodeCredential(s.SinkCredential),
		LockUntilMS:       msOf(s.ExpirationLockUntil),
		BookkeeperID:      s.BookkeeperID,
		Status:            s.Status,
		CreatedAtMS:       msOf(s.CreatedAt),
		UpdatedAtMS:       msOf(s.UpdatedAt),
	})
}

func unmarshalSession(b []byte) (*model.Session, error) {
	var d sessionDoc
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return &model.Session{
		ID:                  d.ID,
		SubscriptionID:      d.SubscriptionID,
		StartedAt:           timeOf(d.StartedAtMS),
		Duration:            time.Duration(d.DurationMS) * time.Millisecond,
		ExpiresAt:           timeOf(d.ExpiresAtMS),
		Device:              d.Device,
		ApplicationServer:   d.ApplicationServer,
		QosProfile:          d.QosProfile,
		SinkURL:             d.SinkURL,
		SinkCredential:      model.DecodeCredential(d.SinkCredential),
		ExpirationLockUntil: timeOf(d.LockUntilMS),
		BookkeeperID:        d.BookkeeperID,
		Status:              d.Status,
		CreatedAt:           timeOf(d.CreatedAtMS),
		UpdatedAt:           timeOf(d.UpdatedAtMS),
	}, nil
}
