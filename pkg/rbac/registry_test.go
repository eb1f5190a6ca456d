package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roleRows(names ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "name", "display_name", "permissions", "created_at", "updated_at"})
	now := time.Now().UTC()
	for i, name := range names {
		rows.AddRow(int64(i+1), name, name, `["organization:read"]`, now, now)
	}
	return rows
}

func TestRegistryLoadsSnapshotAtStartup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name, display_name, permissions").
		WillReturnRows(roleRows("admin", "member"))

	reg, err := NewRegistry(context.Background(), NewStore(db), logrus.New())
	require.NoError(t, err)

	role, ok := reg.Role("admin")
	require.True(t, ok)
	assert.True(t, role.HasPermission("organization:read"))

	_, ok = reg.Role("missing")
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistryStartupFailsIfCatalogUnreadable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name, display_name, permissions").
		WillReturnError(errors.New("connection refused"))

	_, err = NewRegistry(context.Background(), NewStore(db), logrus.New())
	require.Error(t, err)
}

func TestRegistryRefreshKeepsSnapshotOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name, display_name, permissions").
		WillReturnRows(roleRows("admin"))
	mock.ExpectQuery("SELECT id, name, display_name, permissions").
		WillReturnError(errors.New("connection refused"))

	reg, err := NewRegistry(context.Background(), NewStore(db), logrus.New())
	require.NoError(t, err)
	loaded := reg.LoadedAt()

	require.Error(t, reg.Refresh(context.Background()))

	// The previous snapshot is still in force.
	_, ok := reg.Role("admin")
	assert.True(t, ok)
	assert.Equal(t, loaded, reg.LoadedAt())
}

func TestRegistryRefreshReplacesSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name, display_name, permissions").
		WillReturnRows(roleRows("admin"))
	mock.ExpectQuery("SELECT id, name, display_name, permissions").
		WillReturnRows(roleRows("admin", "auditor"))

	reg, err := NewRegistry(context.Background(), NewStore(db), logrus.New())
	require.NoError(t, err)
	require.NoError(t, reg.Refresh(context.Background()))

	_, ok := reg.Role("auditor")
	assert.True(t, ok)
	assert.Len(t, reg.Roles(), 2)
}
