package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType identifies an execution event.
type EventType string

const (
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventServiceChange EventType = "service.changed"
	EventRetry         EventType = "task.retry"
)

// Event is emitted while a plan is applied.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	PlanID    string    `json:"plan_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Service   string    `json:"service,omitempty"`
	Message   string    `json:"message"`
}

// EventPublisher receives execution events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// ExecutorOptions configure plan application.
type ExecutorOptions struct {
	// MaxParallel bounds concurrent service operations within one DAG level.
	// Defaults to 1.
	MaxParallel int

	// MaxRetries is how often a transient failure is retried.
	MaxRetries int

	// BaseDir resolves relative secret file paths.
	BaseDir string
}

// PlanExecutor applies plan tasks for one lifecycle against an orchestrator.
// Services are processed level by level in depends_on order, reversed for
// stop and destroy.
type PlanExecutor struct {
	// orchestrator performs the engine operations
	orchestrator Orchestrator

	// publisher receives execution events, may be nil
	publisher EventPublisher

	// logger records task progress
	logger zerolog.Logger

	// opts holds execution settings
	opts ExecutorOptions
}

// NewPlanExecutor creates a new plan executor.
func NewPlanExecutor(orchestrator Orchestrator, publisher EventPublisher, logger zerolog.Logger, opts ExecutorOptions) *PlanExecutor {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	return &PlanExecutor{
		orchestrator: orchestrator,
		publisher:    publisher,
		logger:       logger,
		opts:         opts,
	}
}

// Apply runs every task tagged with the lifecycle, in plan order.
// It stops at the first failed task; the result still lists every task attempted.
func (e *PlanExecutor) Apply(ctx context.Context, plan *Plan, lc Lifecycle) (*RunResult, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := lc.Validate(); err != nil {
		return nil, NewPermanentError("cannot apply plan", err).WithCode(ErrCodeValidation)
	}

	result := &RunResult{
		PlanID:    plan.ID,
		Lifecycle: lc,
		StartedAt: time.Now(),
		Tasks:     make([]TaskResult, 0),
	}

	for _, task := range plan.TasksFor(lc) {
		select {
		case <-ctx.Done():
			result.CompletedAt = time.Now()
			return result, ctx.Err()
		default:
		}

		e.publish(ctx, plan.ID, task.ID, "", EventTaskStarted, "Started "+task.Name)
		tr := e.executeTask(ctx, plan, lc, task)
		result.Tasks = append(result.Tasks, tr)

		if tr.Error != "" {
			e.publish(ctx, plan.ID, task.ID, "", EventTaskFailed, tr.Error)
			result.CompletedAt = time.Now()
			return result, fmt.Errorf("task %s failed: %w", task.ID, tr.err)
		}

		e.logger.Info().
			Str("task", task.Name).
			Bool("changed", tr.Changed).
			Dur("duration", tr.Duration).
			Msg("Task completed")
		e.publish(ctx, plan.ID, task.ID, "", EventTaskCompleted, "Completed "+task.Name)
	}

	result.CompletedAt = time.Now()
	return result, nil
}

// executeTask runs one task and records its outcome.
func (e *PlanExecutor) executeTask(ctx context.Context, plan *Plan, lc Lifecycle, task Task) TaskResult {
	start := time.Now()
	tr := TaskResult{TaskID: task.ID, Name: task.Name}

	var err error
	switch task.Kind {
	case TaskServices:
		tr.Services, err = e.applyServices(ctx, plan, lc, task)
		tr.Changed = len(tr.Services) > 0
	case TaskRemoveImages:
		tr.Changed, err = e.withRetry(ctx, plan.ID, task.ID, func(ctx context.Context) (bool, error) {
			return e.orchestrator.RemoveImages(ctx, task.Image)
		})
	case TaskWriteSecrets:
		var payload map[string][]byte
		payload, err = e.loadSecrets(task.Secrets)
		if err == nil {
			tr.Changed, err = e.withRetry(ctx, plan.ID, task.ID, func(ctx context.Context) (bool, error) {
				return e.orchestrator.WriteSecrets(ctx, plan.Project, task.Volume, payload)
			})
		}
	case TaskRemoveVolume:
		tr.Changed, err = e.withRetry(ctx, plan.ID, task.ID, func(ctx context.Context) (bool, error) {
			return e.orchestrator.RemoveVolume(ctx, plan.Project, task.Volume)
		})
	default:
		err = fmt.Errorf("unknown task kind %q", task.Kind)
	}

	if err != nil {
		tr.Error = err.Error()
		tr.err = err
	}
	tr.Duration = time.Since(start)
	return tr
}

// applyServices reconciles every service of a services task, level by level.
func (e *PlanExecutor) applyServices(ctx context.Context, plan *Plan, lc Lifecycle, task Task) ([]string, error) {
	defs := make(map[string]ServiceDefinition, len(task.Services))
	for _, def := range task.Services {
		defs[def.Name] = def
	}

	levels, err := NewDAGBuilder().Build(task.Services)
	if err != nil {
		return nil, err
	}
	if lc.Reverse() {
		levels = ReverseLevels(levels)
	}

	action := task.Action()
	var mu sync.Mutex
	changed := make([]string, 0)

	for i, level := range levels {
		err := e.executeLevel(ctx, level, func(ctx context.Context, name string) error {
			def := defs[name]
			did, err := e.withRetry(ctx, plan.ID, task.ID, func(ctx context.Context) (bool, error) {
				if action == ActionAbsent {
					return e.orchestrator.RemoveService(ctx, plan.Project, name, task.RemoveVolumes)
				}
				return e.orchestrator.EnsureService(ctx, plan.Project, def, action)
			})
			if err != nil {
				return fmt.Errorf("service %s: %w", name, err)
			}
			if did {
				mu.Lock()
				changed = append(changed, name)
				mu.Unlock()
				e.publish(ctx, plan.ID, task.ID, name, EventServiceChange,
					fmt.Sprintf("Service %s %s", name, action))
			}
			return nil
		})
		if err != nil {
			return changed, fmt.Errorf("level %d failed: %w", i, err)
		}
	}

	sort.Strings(changed)
	return changed, nil
}

// executeLevel runs fn for each service of a level on a bounded worker pool.
func (e *PlanExecutor) executeLevel(ctx context.Context, names []string, fn func(context.Context, string) error) error {
	workerCount := e.opts.MaxParallel
	if len(names) < workerCount {
		workerCount = len(names)
	}

	workQueue := make(chan string, len(names))
	for _, name := range names {
		workQueue <- name
	}
	close(workQueue)

	var wg sync.WaitGroup
	errChan := make(chan error, len(names))

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range workQueue {
				select {
				case <-ctx.Done():
					errChan <- ctx.Err()
					return
				default:
				}
				if err := fn(ctx, name); err != nil {
					errChan <- err
				}
			}
		}()
	}

	wg.Wait()
	close(errChan)

	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// withRetry retries transient failures with exponential backoff.
func (e *PlanExecutor) withRetry(ctx context.Context, planID, taskID string, fn func(context.Context) (bool, error)) (bool, error) {
	var changed bool
	var err error

	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		changed, err = fn(ctx)
		if err == nil || !IsTransient(err) || attempt >= e.opts.MaxRetries {
			break
		}

		e.publish(ctx, planID, taskID, "", EventRetry,
			fmt.Sprintf("Retrying after failure (attempt %d/%d)", attempt+1, e.opts.MaxRetries+1))

		select {
		case <-time.After(calculateBackoff(attempt)):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	return changed, err
}

// calculateBackoff returns an exponential delay capped at 30 seconds.
func calculateBackoff(attempt int) time.Duration {
	delay := time.Second * time.Duration(math.Pow(2, float64(attempt)))
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

// loadSecrets reads every secret source into memory.
func (e *PlanExecutor) loadSecrets(secrets map[string]Secret) (map[string][]byte, error) {
	out := make(map[string][]byte, len(secrets))
	for name, secret := range secrets {
		if secret.File == "" {
			out[name] = []byte(secret.Value)
			continue
		}
		path := secret.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(e.opts.BaseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, ErrConfigInvalid("secrets."+name, fmt.Errorf("failed to read secret file: %w", err))
		}
		out[name] = data
	}
	return out, nil
}

// publish sends an event without blocking execution on publisher failures.
func (e *PlanExecutor) publish(ctx context.Context, planID, taskID, service string, eventType EventType, message string) {
	if e.publisher == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		PlanID:    planID,
		TaskID:    taskID,
		Service:   service,
		Message:   message,
	}

	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Debug().Err(err).Str("event", string(eventType)).Msg("Failed to publish event")
	}
}
