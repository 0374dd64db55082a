// Package file provides a file-based persistence gateway storing workflow
// definitions and executions as JSON documents.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pbparthas/testforge/pkg/models"
	"github.com/pbparthas/testforge/pkg/persistence"
)

const (
	workflowsDir  = "workflows"
	executionsDir = "executions"
	dirMode       = 0o755
	fileMode      = 0o644
)

// Gateway implements persistence.Gateway on the local file system. Each
// execution is one JSON document with its step records embedded. Step
// writes are read-modify-write over the whole document, so a per-execution
// mutex serializes them; parallel branches hit the same execution
// concurrently.
type Gateway struct {
	root  string
	locks sync.Map // executionID -> *sync.Mutex
}

// NewGateway creates a file gateway rooted at the given directory. Accepts
// a file:// prefix for URL-style configuration.
func NewGateway(root string) *Gateway {
	return &Gateway{root: strings.Replace(root, "file://", "", 1)}
}

func (g *Gateway) executionLock(executionID string) *sync.Mutex {
	lock, _ := g.locks.LoadOrStore(executionID, &sync.Mutex{})

	return lock.(*sync.Mutex)
}

func (g *Gateway) CreateExecution(_ context.Context, workflowID string, input map[string]any) (*models.WorkflowExecution, error) {
	execution := &models.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     models.ExecutionStatusPending,
		Input:      input,
		Steps:      make([]*models.StepExecutionRecord, 0),
		CreatedAt:  time.Now().UTC(),
	}

	if err := g.writeDocument(executionsDir, execution.ID, execution); err != nil {
		return nil, persistence.NewStoreError("CreateExecution", execution.ID, err)
	}

	return execution, nil
}

func (g *Gateway) UpdateExecution(ctx context.Context, executionID string, patch persistence.ExecutionPatch) error {
	lock := g.executionLock(executionID)
	lock.Lock()
	defer lock.Unlock()

	execution, err := g.ExecutionByID(ctx, executionID)
	if err != nil {
		return err
	}

	persistence.ApplyExecutionPatch(execution, patch)

	if err := g.writeDocument(executionsDir, executionID, execution); err != nil {
		return persistence.NewStoreError("UpdateExecution", executionID, err)
	}

	return nil
}

func (g *Gateway) ExecutionByID(_ context.Context, executionID string) (*models.WorkflowExecution, error) {
	var execution models.WorkflowExecution

	err := g.readDocument(executionsDir, executionID, &execution)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewStoreError("ExecutionByID", executionID, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewStoreError("ExecutionByID", executionID, err)
	}

	return &execution, nil
}

func (g *Gateway) CreateStep(ctx context.Context, executionID, stepID string) (*models.StepExecutionRecord, error) {
	lock := g.executionLock(executionID)
	lock.Lock()
	defer lock.Unlock()

	execution, err := g.ExecutionByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	record := &models.StepExecutionRecord{
		ID:     uuid.New().String(),
		StepID: stepID,
		Status: models.StepStatusPending,
	}
	execution.Steps = append(execution.Steps, record)

	if err := g.writeDocument(executionsDir, executionID, execution); err != nil {
		return nil, persistence.NewStoreError("CreateStep", executionID, err)
	}

	return record, nil
}

func (g *Gateway) UpdateStep(ctx context.Context, executionID, recordID string, patch persistence.StepPatch) error {
	lock := g.executionLock(executionID)
	lock.Lock()
	defer lock.Unlock()

	execution, err := g.ExecutionByID(ctx, executionID)
	if err != nil {
		return err
	}

	found := false

	for _, record := range execution.Steps {
		if record.ID == recordID {
			persistence.ApplyStepPatch(record, patch)

			found = true

			break
		}
	}

	if !found {
		return persistence.NewStoreError("UpdateStep", recordID, persistence.ErrStepNotFound)
	}

	if err := g.writeDocument(executionsDir, executionID, execution); err != nil {
		return persistence.NewStoreError("UpdateStep", executionID, err)
	}

	return nil
}

func (g *Gateway) CreateWorkflow(_ context.Context, definition *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	path := g.documentPath(workflowsDir, definition.ID)
	if _, err := os.Stat(path); err == nil {
		return nil, persistence.NewStoreError("CreateWorkflow", definition.ID, persistence.ErrWorkflowAlreadyExists)
	}

	if err := g.writeDocument(workflowsDir, definition.ID, definition); err != nil {
		return nil, persistence.NewStoreError("CreateWorkflow", definition.ID, err)
	}

	return definition, nil
}

func (g *Gateway) WorkflowByID(_ context.Context, workflowID string) (*models.WorkflowDefinition, error) {
	var definition models.WorkflowDefinition

	err := g.readDocument(workflowsDir, workflowID, &definition)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewStoreError("WorkflowByID", workflowID, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewStoreError("WorkflowByID", workflowID, err)
	}

	return &definition, nil
}

func (g *Gateway) ListCustomWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	root := os.DirFS(filepath.Join(g.root, workflowsDir))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, persistence.NewStoreError("ListCustomWorkflows", "", err)
	}

	definitions := make([]*models.WorkflowDefinition, 0, len(jsonFiles))

	for _, name := range jsonFiles {
		workflowID := strings.TrimSuffix(name, ".json")

		definition, err := g.WorkflowByID(ctx, workflowID)
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
		}

		definitions = append(definitions, definition)
	}

	return definitions, nil
}

func (g *Gateway) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(g.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (g *Gateway) Close(_ context.Context) error {
	return nil
}

func (g *Gateway) documentPath(dir, id string) string {
	return filepath.Join(g.root, dir, id+".json")
}

// writeDocument writes to a temp file and renames it into place, so a
// concurrent readDocument never observes a partially written document.
func (g *Gateway) writeDocument(dir, id string, document any) error {
	target := filepath.Join(g.root, dir)
	if err := os.MkdirAll(target, dirMode); err != nil {
		return err
	}

	data, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(target, id+".*.tmp")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return err
	}

	if err := os.Chmod(tmp.Name(), fileMode); err != nil {
		os.Remove(tmp.Name())

		return err
	}

	return os.Rename(tmp.Name(), g.documentPath(dir, id))
}

func (g *Gateway) readDocument(dir, id string, target any) error {
	data, err := os.ReadFile(g.documentPath(dir, id))
	if err != nil {
		return err
	}

	return json.Unmarshal(data, target)
}
