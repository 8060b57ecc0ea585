package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
)

func TestConnectSQLiteAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grader.db")

	db, err := Connect("sqlite:" + path)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	require.True(t, db.Migrator().HasTable(&models.EvaluationRun{}))
	require.True(t, db.Migrator().HasTable(&models.StudentEvaluation{}))
}

func TestConnectRejectsEmptyURLs(t *testing.T) {
	_, err := Connect("  ")
	require.Error(t, err)

	_, err = Connect("sqlite:")
	require.Error(t, err)
}

func TestConnectRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := ConnectRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	_, err = ConnectRedis(context.Background(), "")
	require.Error(t, err)

	_, err = ConnectRedis(context.Background(), "::not-a-url")
	require.Error(t, err)
}
