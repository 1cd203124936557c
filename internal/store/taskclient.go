package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"docflow/internal/models"
	"docflow/internal/tasks"
)

// AsynqTaskClient is the TaskClient implementation backed by Asynq. It
// enqueues document parse tasks and records each submission to the RunStore.
var _ TaskClient = (*AsynqTaskClient)(nil)

type AsynqTaskClient struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	runs      RunStore
	maxRetry  int
	timeout   time.Duration
}

func NewAsynqTaskClient(opt asynq.RedisClientOpt, runs RunStore, maxRetry int, timeout time.Duration) (*AsynqTaskClient, error) {
	if runs == nil {
		return nil, fmt.Errorf("RunStore cannot be nil for AsynqTaskClient")
	}
	return &AsynqTaskClient{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		runs:      runs,
		maxRetry:  maxRetry,
		timeout:   timeout,
	}, nil
}

func (tc *AsynqTaskClient) Close() error {
	if err := tc.client.Close(); err != nil {
		tc.inspector.Close()
		return err
	}
	return tc.inspector.Close()
}

// SubmitParse enqueues one workflow run and records the submission. The run
// row is advisory; failing to write it does not fail the submission.
func (tc *AsynqTaskClient) SubmitParse(ctx context.Context, documentID string, resumeFrom models.StepName) (*asynq.TaskInfo, error) {
	task, err := tasks.NewDocumentParseTask(documentID, string(resumeFrom))
	if err != nil {
		return nil, err
	}

	opts := []asynq.Option{
		asynq.Queue(tasks.QueueIngest),
		asynq.MaxRetry(tc.maxRetry),
	}
	if tc.timeout > 0 {
		opts = append(opts, asynq.Timeout(tc.timeout))
	}

	info, err := tc.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("enqueue parse task for document %s: %w", documentID, err)
	}
	log.WithFields(log.Fields{
		"task_id":     info.ID,
		"document_id": documentID,
		"queue":       info.Queue,
	}).Info("Enqueued document parse task")

	record := RunRecordParams{
		TaskID:     info.ID,
		DocumentID: documentID,
		Queue:      info.Queue,
		ResumeFrom: string(resumeFrom),
		Status:     models.RunStatusEnqueued,
	}
	if err := tc.runs.RecordRunEnqueue(ctx, record); err != nil {
		log.Errorf("Failed to record run enqueue for task %s: %v", info.ID, err)
	}

	return info, nil
}

// TaskStatus polls the task runner for the state of a submitted run.
func (tc *AsynqTaskClient) TaskStatus(ctx context.Context, queue, taskID string) (*asynq.TaskInfo, error) {
	if queue == "" {
		queue = tasks.QueueIngest
	}
	return tc.inspector.GetTaskInfo(queue, taskID)
}

// CancelTask requests cooperative cancellation of an active run. Asynq
// cancels the handler's context; the engine observes it between steps.
func (tc *AsynqTaskClient) CancelTask(ctx context.Context, taskID string) error {
	return tc.inspector.CancelProcessing(taskID)
}
