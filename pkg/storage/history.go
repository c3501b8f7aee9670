package storage

import (
	"context"

	"github.com/jmoiron/sqlx"
)

const (
	historyInsertQuery = `
		INSERT INTO deployment_history (
			timestamp, strategy, image_tag, container_name,
			status, duration_ms, output
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	historySelectRecent = `
		SELECT
			id,
			timestamp, strategy, image_tag, container_name,
			status, duration_ms, output
		FROM deployment_history
		ORDER BY id DESC
		LIMIT ?
	`
)

type HistoryRow struct {
	Id            int64
	Timestamp     string
	Strategy      string
	ImageTag      string
	ContainerName string
	Status        string
	DurationMs    int64
	Output        string
}

type HistoryRepository struct {
	db *sqlx.DB
}

func NewHistoryRepository(db *sqlx.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Append(ctx context.Context, row HistoryRow) error {
	_, err := r.db.ExecContext(
		ctx,
		historyInsertQuery,
		row.Timestamp, row.Strategy, row.ImageTag, row.ContainerName,
		row.Status, row.DurationMs, row.Output,
	)

	return err
}

func (r *HistoryRepository) FindRecent(ctx context.Context, limit int) ([]HistoryRow, error) {
	if limit <= 0 {
		limit = 10
	}

	var rows []HistoryRow

	err := r.db.SelectContext(ctx, &rows, historySelectRecent, limit)
	if err != nil {
		return nil, err
	}

	return rows, nil
}
