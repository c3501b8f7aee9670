package storage

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/dockerpilot/dockerpilot/pkg/backup"
)

const (
	backupInsertQuery = `
		INSERT INTO backups (
			operation_key, kind, identifier,
			archive_path, size_bytes, sha256, reason, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	backupSelectByOperation = `
		SELECT
			id,
			operation_key, kind, identifier,
			archive_path, size_bytes, sha256, reason, created_at
		FROM backups
		WHERE operation_key = ?
		ORDER BY created_at DESC
	`

	backupDeleteByOperation = `
		DELETE FROM backups WHERE operation_key = ?
	`
)

// BackupRow is the persisted form of a backup record, kept so rollback
// references survive a crash of the orchestrator.
type BackupRow struct {
	Id           int64
	OperationKey string
	Kind         string
	Identifier   string
	ArchivePath  string
	SizeBytes    int64
	Sha256       string
	Reason       string
	CreatedAt    string
}

type BackupRepository struct {
	db *sqlx.DB
}

func NewBackupRepository(db *sqlx.DB) *BackupRepository {
	return &BackupRepository{db: db}
}

func (r *BackupRepository) Create(ctx context.Context, opKey string, record backup.Record) error {
	_, err := r.db.ExecContext(
		ctx,
		backupInsertQuery,
		opKey, string(record.Kind), record.Identifier,
		record.ArchivePath, record.SizeBytes, record.SHA256, record.Reason,
		record.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	)

	return err
}

func (r *BackupRepository) FindByOperation(ctx context.Context, opKey string) ([]BackupRow, error) {
	var rows []BackupRow

	err := r.db.SelectContext(ctx, &rows, backupSelectByOperation, opKey)
	if err != nil {
		return nil, err
	}

	return rows, nil
}

func (r *BackupRepository) DeleteByOperation(ctx context.Context, opKey string) error {
	_, err := r.db.ExecContext(ctx, backupDeleteByOperation, opKey)
	return err
}
