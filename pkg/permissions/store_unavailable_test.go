package permissions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Driver failures must surface as ErrStoreUnavailable so handlers can map
// them to 503 instead of leaking raw database errors.
func TestStore_DriverErrorsAreUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db)
	connRefused := errors.New("dial tcp 127.0.0.1:5432: connection refused")

	mock.ExpectQuery("FROM users").WillReturnError(connRefused)
	_, err = store.GetUser(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, connRefused, "the cause stays in the chain")
	assert.NotErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery("FROM direct_permissions").WillReturnError(connRefused)
	_, err = store.GetDirectPermission(context.Background(), ResourceExperiment, "exp-1", "alice")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	mock.ExpectExec("UPDATE users").WillReturnError(connRefused)
	_, err = store.DeactivateExpiredServiceAccounts(context.Background(), time.Now().UTC())
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	assert.NoError(t, mock.ExpectationsWereMet())
}
