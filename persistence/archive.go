package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jetvision/charterflow/types"
)

// ArchivedWorkflow is the terminal workflow row in the SQL archive.
// CreatedAt/UpdatedAt carry the workflow's own timestamps, not the row's,
// so GORM's automatic stamping is disabled.
type ArchivedWorkflow struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	RequestID     string    `gorm:"size:64;uniqueIndex:idx_archived_workflows_request_id" json:"request_id"`
	FinalState    string    `gorm:"size:32;index:idx_archived_workflows_final_state" json:"final_state"`
	Version       int64     `json:"version"`
	SessionID     string    `gorm:"size:64" json:"session_id,omitempty"`
	UserID        string    `gorm:"size:64" json:"user_id,omitempty"`
	FailureReason string    `gorm:"type:text" json:"failure_reason,omitempty"`
	History       string    `gorm:"type:text" json:"-"`
	CreatedAt     time.Time `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
	ArchivedAt    time.Time `gorm:"index:idx_archived_workflows_archived_at" json:"archived_at"`
}

// StateHistory decodes the JSON transition history stored on the row.
func (a *ArchivedWorkflow) StateHistory() ([]types.StateChange, error) {
	if a.History == "" {
		return nil, nil
	}
	var history []types.StateChange
	if err := json.Unmarshal([]byte(a.History), &history); err != nil {
		return nil, fmt.Errorf("decode archived history: %w", err)
	}
	return history, nil
}

// ArchivedTask is a finished task row in the SQL archive.
type ArchivedTask struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	TaskID        string    `gorm:"size:64;uniqueIndex:idx_archived_tasks_task_id" json:"task_id"`
	RequestID     string    `gorm:"size:64;index:idx_archived_tasks_request_id" json:"request_id"`
	Kind          string    `gorm:"size:64" json:"kind"`
	Priority      string    `gorm:"size:16" json:"priority"`
	Status        string    `gorm:"size:16" json:"status"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	TargetAgent   string    `gorm:"size:64" json:"target_agent,omitempty"`
	LeaseOwner    string    `gorm:"size:64" json:"lease_owner,omitempty"`
	Payload       string    `gorm:"type:text" json:"payload,omitempty"`
	FailureReason string    `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime:false" json:"created_at"`
	ArchivedAt    time.Time `gorm:"index:idx_archived_tasks_archived_at" json:"archived_at"`
}

// ArchivedHandoff is a delegation record row in the SQL archive.
type ArchivedHandoff struct {
	ID             uint       `gorm:"primaryKey" json:"-"`
	HandoffID      string     `gorm:"size:64;uniqueIndex:idx_archived_handoffs_handoff_id" json:"handoff_id"`
	RequestID      string     `gorm:"size:64;index:idx_archived_handoffs_request_id" json:"request_id"`
	TaskID         string     `gorm:"size:64" json:"task_id"`
	TaskKind       string     `gorm:"size:64" json:"task_kind"`
	FromAgent      string     `gorm:"size:64" json:"from_agent"`
	ToAgent        string     `gorm:"size:64" json:"to_agent"`
	Status         string     `gorm:"size:16" json:"status"`
	Reason         string     `gorm:"type:text" json:"reason,omitempty"`
	ResolutionNote string     `gorm:"type:text" json:"resolution_note,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime:false" json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ArchivedAt     time.Time  `gorm:"index:idx_archived_handoffs_archived_at" json:"archived_at"`
}

// ArchiveStats counts the rows in each archive table.
type ArchiveStats struct {
	Workflows int64 `json:"workflows"`
	Tasks     int64 `json:"tasks"`
	Handoffs  int64 `json:"handoffs"`
}

// ArchiveStore reads and writes the SQL archive of finished requests.
// It does not own the database connection; lifecycle belongs to the
// caller (internal/database.Pool in the server).
type ArchiveStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewArchiveStore creates an archive store over an open GORM handle.
func NewArchiveStore(db *gorm.DB, logger *zap.Logger) *ArchiveStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveStore{
		db:     db,
		logger: logger.With(zap.String("component", "archive_store")),
	}
}

// AutoMigrate creates the archive tables from the models. Production
// schemas are managed by the migration CLI; this is for tests and
// throwaway local databases.
func (s *ArchiveStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&ArchivedWorkflow{},
		&ArchivedTask{},
		&ArchivedHandoff{},
	)
}

// ArchiveWorkflow writes one finished request's workflow, tasks, and
// handoffs in a single transaction. Rows that already exist (by natural
// key) are skipped, so re-archiving after a partial failure or a
// duplicate terminal event is harmless. The workflow must be terminal.
func (s *ArchiveStore) ArchiveWorkflow(ctx context.Context, wf *types.Workflow, tasks []*types.AgentTask, handoffs []*types.Handoff, archivedAt time.Time) error {
	if wf == nil {
		return fmt.Errorf("%w: workflow is nil", ErrInvalidInput)
	}
	if !wf.CurrentState.IsTerminal() {
		return fmt.Errorf("%w: workflow %s is not terminal (%s)", ErrInvalidInput, wf.RequestID, wf.CurrentState)
	}

	wfRow, err := newArchivedWorkflow(wf, archivedAt)
	if err != nil {
		return err
	}

	taskRows := make([]*ArchivedTask, 0, len(tasks))
	for _, t := range tasks {
		taskRows = append(taskRows, newArchivedTask(t, archivedAt))
	}

	handoffRows := make([]*ArchivedHandoff, 0, len(handoffs))
	for _, h := range handoffs {
		handoffRows = append(handoffRows, newArchivedHandoff(h, archivedAt))
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		skipDup := tx.Clauses(clause.OnConflict{DoNothing: true})
		if err := skipDup.Create(wfRow).Error; err != nil {
			return fmt.Errorf("archive workflow %s: %w", wf.RequestID, err)
		}
		if len(taskRows) > 0 {
			if err := skipDup.Create(taskRows).Error; err != nil {
				return fmt.Errorf("archive tasks for %s: %w", wf.RequestID, err)
			}
		}
		if len(handoffRows) > 0 {
			if err := skipDup.Create(handoffRows).Error; err != nil {
				return fmt.Errorf("archive handoffs for %s: %w", wf.RequestID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("workflow archived",
		zap.String("request_id", wf.RequestID),
		zap.String("final_state", string(wf.CurrentState)),
		zap.Int("tasks", len(taskRows)),
		zap.Int("handoffs", len(handoffRows)),
	)
	return nil
}

// Workflow retrieves one archived workflow by request ID.
func (s *ArchiveStore) Workflow(ctx context.Context, requestID string) (*ArchivedWorkflow, error) {
	var row ArchivedWorkflow
	err := s.db.WithContext(ctx).Where("request_id = ?", requestID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("archived workflow %s: %w", requestID, ErrNotFound)
		}
		return nil, err
	}
	return &row, nil
}

// Workflows lists archived workflows, most recently archived first.
// limit <= 0 applies a default of 100.
func (s *ArchiveStore) Workflows(ctx context.Context, limit int) ([]*ArchivedWorkflow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []*ArchivedWorkflow
	err := s.db.WithContext(ctx).
		Order("archived_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// TasksByRequest lists a request's archived tasks, oldest first.
func (s *ArchiveStore) TasksByRequest(ctx context.Context, requestID string) ([]*ArchivedTask, error) {
	var rows []*ArchivedTask
	err := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// HandoffsByRequest lists a request's archived handoffs, oldest first.
func (s *ArchiveStore) HandoffsByRequest(ctx context.Context, requestID string) ([]*ArchivedHandoff, error) {
	var rows []*ArchivedHandoff
	err := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Stats counts rows per archive table.
func (s *ArchiveStore) Stats(ctx context.Context) (*ArchiveStats, error) {
	var stats ArchiveStats
	db := s.db.WithContext(ctx)

	if err := db.Model(&ArchivedWorkflow{}).Count(&stats.Workflows).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&ArchivedTask{}).Count(&stats.Tasks).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&ArchivedHandoff{}).Count(&stats.Handoffs).Error; err != nil {
		return nil, err
	}
	return &stats, nil
}

func newArchivedWorkflow(wf *types.Workflow, archivedAt time.Time) (*ArchivedWorkflow, error) {
	history, err := json.Marshal(wf.History)
	if err != nil {
		return nil, fmt.Errorf("encode history for %s: %w", wf.RequestID, err)
	}
	return &ArchivedWorkflow{
		RequestID:     wf.RequestID,
		FinalState:    string(wf.CurrentState),
		Version:       wf.Version,
		SessionID:     wf.Context.SessionID,
		UserID:        wf.Context.UserID,
		FailureReason: wf.FailureReason,
		History:       string(history),
		CreatedAt:     wf.CreatedAt,
		UpdatedAt:     wf.UpdatedAt,
		ArchivedAt:    archivedAt,
	}, nil
}

func newArchivedTask(t *types.AgentTask, archivedAt time.Time) *ArchivedTask {
	return &ArchivedTask{
		TaskID:        t.ID,
		RequestID:     t.Context.RequestID,
		Kind:          t.Kind,
		Priority:      string(t.Priority),
		Status:        string(t.Status),
		RetryCount:    t.RetryCount,
		MaxRetries:    t.MaxRetries,
		TargetAgent:   t.TargetAgent,
		LeaseOwner:    t.LeaseOwner,
		Payload:       string(t.Payload),
		FailureReason: t.FailureReason,
		CreatedAt:     t.CreatedAt,
		ArchivedAt:    archivedAt,
	}
}

func newArchivedHandoff(h *types.Handoff, archivedAt time.Time) *ArchivedHandoff {
	var resolvedAt *time.Time
	if h.ResolvedAt != nil {
		ts := *h.ResolvedAt
		resolvedAt = &ts
	}
	return &ArchivedHandoff{
		HandoffID:      h.ID,
		RequestID:      h.Context.RequestID,
		TaskID:         h.TaskID,
		TaskKind:       h.TaskKind,
		FromAgent:      h.FromAgent,
		ToAgent:        h.ToAgent,
		Status:         string(h.Status),
		Reason:         h.Reason,
		ResolutionNote: h.ResolutionNote,
		CreatedAt:      h.CreatedAt,
		ResolvedAt:     resolvedAt,
		ArchivedAt:     archivedAt,
	}
}
