package core

import (
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"

	"github.com/zenrent/hmrc-connect/internal/model"
)

func TestAuthAudit_FlushOnClose(t *testing.T) {
	db := &mockDB{}
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, nil)

	audit := NewAuthAudit(db, zerolog.Nop())
	audit.Record("u1", model.AuditAuthInitiated, "req-1", map[string]any{"challenge_method": "S256"})
	audit.Record("u1", model.AuditTokenReceived, "req-2", nil)
	audit.Close()

	// Close drains the queue before returning.
	db.AssertNumberOfCalls(t, "Exec", 2)
}

func TestAuthAudit_RecordNeverBlocks(t *testing.T) {
	db := &mockDB{}
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, nil)

	audit := NewAuthAudit(db, zerolog.Nop())
	defer audit.Close()

	// Far more entries than the queue holds; Record must drop, not block.
	for i := 0; i < 5000; i++ {
		audit.Record("u1", model.AuditAuthInitiated, "req", nil)
	}
}
