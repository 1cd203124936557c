package primary

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"docflow/internal/models"
	"docflow/internal/store"
)

// --- Run Store Implementation ---

var _ store.RunStore = (*StoreImpl)(nil)

// RecordRunEnqueue inserts a record into the workflow_runs table. Recording
// the same task twice is a no-op.
func (s *StoreImpl) RecordRunEnqueue(ctx context.Context, params store.RunRecordParams) error {
	now := time.Now().UTC()
	query := `INSERT OR IGNORE INTO workflow_runs (task_id, document_id, queue, resume_from, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query,
		params.TaskID, params.DocumentID, params.Queue, params.ResumeFrom, params.Status, now, now)
	if err != nil {
		return fmt.Errorf("record run enqueue for task %s: %w", params.TaskID, err)
	}
	return nil
}

// UpdateRunStatus updates the status of a run given its task id.
func (s *StoreImpl) UpdateRunStatus(ctx context.Context, taskID, status string) error {
	query := `UPDATE workflow_runs SET status = $1, updated_at = $2 WHERE task_id = $3`
	res, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("update run status for task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run status for task %s: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("run for task %s: %w", taskID, store.ErrNotFound)
	}
	return nil
}

// RecordRunResult attaches the structured workflow result to the document's
// most recent run row. Runs started outside the task queue (direct engine
// invocation) get a synthetic row so history stays complete.
func (s *StoreImpl) RecordRunResult(ctx context.Context, documentID string, result *models.WorkflowResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal workflow result for %s: %w", documentID, err)
	}

	status := models.RunStatusCompleted
	switch {
	case result.Cancelled:
		status = models.RunStatusCancelled
	case !result.Success:
		status = models.RunStatusFailed
	}

	now := time.Now().UTC()
	query := `UPDATE workflow_runs SET status = $1, failed_step = $2, result = $3, updated_at = $4
		WHERE id = (SELECT id FROM workflow_runs WHERE document_id = $5 ORDER BY id DESC LIMIT 1)`
	res, err := s.db.ExecContext(ctx, query, status, string(result.FailedStep), string(payload), now, documentID)
	if err != nil {
		return fmt.Errorf("record run result for %s: %w", documentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record run result for %s: %w", documentID, err)
	}
	if n == 0 {
		log.Debugf("No run row for document %s, inserting synthetic record", documentID)
		insert := `INSERT INTO workflow_runs (task_id, document_id, queue, resume_from, status, failed_step, result, created_at, updated_at)
			VALUES ('', $1, '', '', $2, $3, $4, $5, $6)`
		if _, err := s.db.ExecContext(ctx, insert, documentID, status, string(result.FailedStep), string(payload), now, now); err != nil {
			return fmt.Errorf("insert synthetic run row for %s: %w", documentID, err)
		}
	}
	return nil
}

const runColumns = `id, task_id, document_id, queue, resume_from, status, failed_step, result, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }, dest *models.WorkflowRunRecord) error {
	var result sql.NullString
	if err := row.Scan(
		&dest.ID,
		&dest.TaskID,
		&dest.DocumentID,
		&dest.Queue,
		&dest.ResumeFrom,
		&dest.Status,
		&dest.FailedStep,
		&result,
		&dest.CreatedAt,
		&dest.UpdatedAt,
	); err != nil {
		return err
	}
	if result.Valid {
		dest.Result = json.RawMessage(result.String)
	}
	return nil
}

// GetLastRun returns the most recent run record for a document.
func (s *StoreImpl) GetLastRun(ctx context.Context, documentID string) (*models.WorkflowRunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE document_id = $1 ORDER BY id DESC LIMIT 1`
	rec := &models.WorkflowRunRecord{}
	err := scanRun(s.db.QueryRowContext(ctx, query, documentID), rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get last run for %s: %w", documentID, err)
	}
	return rec, nil
}

func (s *StoreImpl) ListRuns(ctx context.Context, documentID string, limit int) ([]*models.WorkflowRunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE document_id = $1 ORDER BY id DESC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", documentID, err)
	}
	defer rows.Close()

	var runs []*models.WorkflowRunRecord
	for rows.Next() {
		rec := &models.WorkflowRunRecord{}
		if err := scanRun(rows, rec); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}
