package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/longform/internal/config"
	"github.com/mediaforge/longform/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             ":memory:",
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		LogLevel:        "silent",
	}

	db, err := New(cfg, nil, &Options{PrepareStmt: false})
	require.NoError(t, err)
	return db
}

func TestNew_SQLite(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	err := db.Ping(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "sqlite", db.Driver())
}

func TestNew_InvalidDriver(t *testing.T) {
	cfg := config.DatabaseConfig{
		Driver: "invalid",
		DSN:    ":memory:",
	}

	db, err := New(cfg, nil, nil)
	assert.Error(t, err)
	assert.Nil(t, db)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestDB_Migrate(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))

	assert.True(t, db.DB.Migrator().HasTable(&models.LongformJob{}))
	assert.True(t, db.DB.Migrator().HasTable(&models.LongformSegment{}))

	// Idempotent.
	require.NoError(t, db.Migrate(ctx))
}

func TestDB_Close(t *testing.T) {
	db := setupTestDB(t)

	err := db.Close()
	assert.NoError(t, err)

	err = db.Ping(context.Background())
	assert.Error(t, err)
}

func TestDB_Stats(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Contains(t, stats, "open_connections")
	assert.Contains(t, stats, "in_use")
}
