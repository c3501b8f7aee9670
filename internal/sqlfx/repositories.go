package sqlfx

import (
	"github.com/jmoiron/sqlx"

	"github.com/dockerpilot/dockerpilot/pkg/engine"
	"github.com/dockerpilot/dockerpilot/pkg/storage"
)

func BackupsRepository(db *sqlx.DB) (
	*storage.BackupRepository,
	engine.BackupRecorder,
) {
	repo := storage.NewBackupRepository(db)

	return repo, repo
}

func HistoryRepository(db *sqlx.DB) *storage.HistoryRepository {
	return storage.NewHistoryRepository(db)
}
