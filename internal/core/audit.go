package core

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/zenrent/hmrc-connect/internal/model"
	"github.com/zenrent/hmrc-connect/internal/platform"
)

// AuthAudit is an async append-only writer for the auth lifecycle log.
// Entries never contain token or verifier material.
type AuthAudit struct {
	db     DB
	logger zerolog.Logger
	ch     chan model.AuthAuditEntry
	done   chan struct{}
}

func NewAuthAudit(db DB, logger zerolog.Logger) *AuthAudit {
	a := &AuthAudit{
		db:     db,
		logger: logger,
		ch:     make(chan model.AuthAuditEntry, 256),
		done:   make(chan struct{}),
	}
	go a.drain()
	return a
}

func (a *AuthAudit) drain() {
	defer close(a.done)
	for entry := range a.ch {
		// context.Background: writes must survive the originating request.
		_, err := a.db.Exec(context.Background(),
			`INSERT INTO auth_audit_logs (id, user_id, operation, request_id, detail, created_at)
			 VALUES ($1, $2, $3, $4, $5, now())`,
			entry.ID, entry.UserID, entry.Operation, entry.RequestID, entry.Detail,
		)
		if err != nil {
			a.logger.Error().Err(err).
				Str("operation", entry.Operation).
				Str("request_id", entry.RequestID).
				Msg("failed to write auth audit log")
		}
	}
}

// Record queues an audit entry. Detail is marshaled to JSON; a full queue
// drops the entry rather than blocking the auth path.
func (a *AuthAudit) Record(userID, operation, requestID string, detail map[string]any) {
	var raw json.RawMessage
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			a.logger.Error().Err(err).Str("operation", operation).Msg("marshal audit detail")
		} else {
			raw = b
		}
	}

	entry := model.AuthAuditEntry{
		ID:        platform.NewID(),
		UserID:    userID,
		Operation: operation,
		RequestID: requestID,
		Detail:    raw,
	}
	select {
	case a.ch <- entry:
	default:
		a.logger.Warn().Str("operation", operation).Msg("auth audit queue full, entry dropped")
	}
}

// Close flushes queued entries and stops the writer.
func (a *AuthAudit) Close() {
	close(a.ch)
	<-a.done
}
