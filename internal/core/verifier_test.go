package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zenrent/hmrc-connect/internal/hmrcerr"
)

func TestCodeVerifierStore_Put_SupersedesThenInserts(t *testing.T) {
	db := &mockDB{}
	store := NewCodeVerifierStore(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, nil).Twice()

	err := store.Put(ctx, "u1", "verifier-abc", "u1:nonceXYZ", VerifierTTL)
	require.NoError(t, err)
	db.AssertNumberOfCalls(t, "Exec", 2)
}

func TestCodeVerifierStore_Put_DBError(t *testing.T) {
	db := &mockDB{}
	store := NewCodeVerifierStore(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("db error"))

	err := store.Put(ctx, "u1", "verifier-abc", "u1:nonceXYZ", time.Minute)
	require.Error(t, err)
}

func TestCodeVerifierStore_TakeOnce_Success(t *testing.T) {
	db := &mockDB{}
	store := NewCodeVerifierStore(db)
	ctx := context.Background()

	row := &mockRow{scanFunc: func(dest ...any) error {
		*dest[0].(*string) = "verifier-abc"
		*dest[1].(*string) = "u1:nonceXYZ"
		return nil
	}}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	verifier, state, err := store.TakeOnce(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "verifier-abc", verifier)
	assert.Equal(t, "u1:nonceXYZ", state)
}

func TestCodeVerifierStore_TakeOnce_ConsumedOrExpired(t *testing.T) {
	db := &mockDB{}
	store := NewCodeVerifierStore(db)
	ctx := context.Background()

	row := &mockRow{scanFunc: func(dest ...any) error {
		return pgx.ErrNoRows
	}}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	_, _, err := store.TakeOnce(ctx, "u1")
	require.Error(t, err)

	e := hmrcerr.As(err)
	require.NotNil(t, e)
	assert.Equal(t, hmrcerr.KindAuth, e.Kind)
	assert.Equal(t, hmrcerr.CodeInvalidOrExpiredRequest, e.Code)
}

func TestCodeVerifierStore_Sweep(t *testing.T) {
	db := &mockDB{}
	store := NewCodeVerifierStore(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 3"), nil)

	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
