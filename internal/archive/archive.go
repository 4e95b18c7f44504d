// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package archive keeps expired sessions as JSON files, one per session,
// grouped by expiry day.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
	xglog "github.com/ManuGH/qodbroker/internal/log"
)

// Record is the archived form of a session. Sink secrets are never written;
// only the credential type is kept.
type Record struct {
	SessionID         string         `json:"sessionId"`
	SubscriptionID    string         `json:"subscriptionId,omitempty"`
	Status            model.Status   `json:"status"`
	QosProfile        string         `json:"qosProfile"`
	Device            model.Endpoint `json:"device"`
	ApplicationServer model.Endpoint `json:"applicationServer"`
	StartedAt         time.Time      `json:"startedAt"`
	Duration          int64          `json:"duration"` // seconds
	ExpiresAt         time.Time      `json:"expiresAt"`
	SinkURL           string         `json:"sink,omitempty"`
	CredentialType    string         `json:"sinkCredentialType,omitempty"`
	BookkeeperID      string         `json:"bookkeeperId,omitempty"`
	ArchivedAt        time.Time      `json:"archivedAt"`
}

// NewRecord builds the archived form of s.
func NewRecord(s *model.Session, at time.Time) Record {
	r := Record{
		SessionID:         s.ID,
		SubscriptionID:    s.SubscriptionID,
		Status:            s.Status,
		QosProfile:        s.QosProfile,
		Device:            s.Device,
		ApplicationServer: s.ApplicationServer,
		StartedAt:         s.StartedAt.UTC(),
		Duration:          int64(s.Duration / time.Second),
		ExpiresAt:         s.ExpiresAt.UTC(),
		SinkURL:           s.SinkURL,
		BookkeeperID:      s.BookkeeperID,
		ArchivedAt:        at.UTC(),
	}
	if s.SinkCredential != nil {
		r.CredentialType = string(s.SinkCredential.Type())
	}
	return r
}

// FileArchiver writes <dir>/<YYYY-MM-DD>/<sessionId>.json atomically.
type FileArchiver struct {
	dir    string
	logger zerolog.Logger
	now    func() time.Time
}

func NewFileArchiver(dir string, logger zerolog.Logger) (*FileArchiver, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive: directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", dir, err)
	}
	return &FileArchiver{dir: dir, logger: logger, now: time.Now}, nil
}

// Path returns where s is archived.
func (a *FileArchiver) Path(s *model.Session) string {
	day := s.ExpiresAt.UTC().Format(time.DateOnly)
	return filepath.Join(a.dir, day, s.ID+".json")
}

// Archive writes s. Rewriting an already archived session replaces the file.
func (a *FileArchiver) Archive(ctx context.Context, s *model.Session) error {
	if !model.IsSafeSessionID(s.ID) {
		return fmt.Errorf("archive: unsafe session id %q", s.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path := a.Path(s)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("archive: create day directory: %w", err)
	}

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o640))
	if err != nil {
		return fmt.Errorf("archive: create pending file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			a.logger.Debug().Err(err).Msg("cleanup pending archive file")
		}
	}()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(NewRecord(s, a.now())); err != nil {
		return fmt.Errorf("archive: encode %s: %w", s.ID, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("archive: replace %s: %w", path, err)
	}

	a.logger.Debug().
		Str(xglog.FieldSessionID, s.ID).
		Str("path", path).
		Msg("session archived")
	return nil
}

// Load reads an archived record back.
func Load(path string) (Record, error) {
	var r Record
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	err = json.Unmarshal(data, &r)
	return r, err
}
