// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package notify

import (
	"encoding/base64"

	"github.com/rs/zerolog"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
	xglog "github.com/ManuGH/qodbroker/internal/log"
	"github.com/ManuGH/qodbroker/internal/metrics"
)

// AuthorizationHeader derives the Authorization header for a sink credential.
// ok is false when no header must be sent. Unsupported variants are not an
// error: the delivery proceeds without the header and a warning is logged.
func AuthorizationHeader(cred model.Credential, logger zerolog.Logger) (value string, ok bool) {
	switch c := cred.(type) {
	case nil:
		return "", false
	case *model.AccessTokenCredential:
		return "Bearer " + c.AccessToken, true
	case *model.PlainCredential:
		raw := c.Identifier + ":" + c.Secret
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)), true
	case *model.UnsupportedCredential:
		logger.Warn().
			Str(xglog.FieldEvent, "notify.unsupported_credential").
			Str(xglog.FieldCredentialType, string(c.Kind)).
			Msg("sink credential type not supported, delivering without authorization")
		metrics.RecordUnsupportedCredential(string(c.Kind))
		return "", false
	default:
		panic("notify: unhandled credential variant")
	}
}
