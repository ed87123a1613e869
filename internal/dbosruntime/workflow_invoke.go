package dbosruntime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned when no workflow exists for a task
var ErrTaskNotFound = errors.New("task not found")

// WorkflowStatusInfo represents the status of a workflow
type WorkflowStatusInfo struct {
	WorkflowUUID string `json:"workflowId"`
	Status       string `json:"status"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// GetWorkflowStatus retrieves the status of a workflow from the DBOS status table
func (r *Runtime) GetWorkflowStatus(ctx context.Context, workflowUUID string) (*WorkflowStatusInfo, error) {
	query := `
		SELECT workflow_uuid, status, name, created_at, updated_at
		FROM dbos.workflow_status
		WHERE workflow_uuid = $1
	`

	var info WorkflowStatusInfo
	err := r.db.QueryRowContext(ctx, query, workflowUUID).Scan(
		&info.WorkflowUUID,
		&info.Status,
		&info.Name,
		&info.CreatedAt,
		&info.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, workflowUUID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow status: %w", err)
	}

	return &info, nil
}

// TaskStatus looks up the delivery status of the task published under key on queue
func (c *Channel) TaskStatus(ctx context.Context, queue, key string) (*WorkflowStatusInfo, error) {
	return c.runtime.GetWorkflowStatus(ctx, WorkflowID(queue, key))
}
