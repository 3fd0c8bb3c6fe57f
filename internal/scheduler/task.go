package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/Amund211/tilestream/internal/domain"
)

type Priority int

const (
	PriorityHighest Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityLowest

	numPriorities = int(PriorityLowest) + 1
)

func (p Priority) valid() bool {
	return p >= PriorityHighest && p <= PriorityLowest
}

type ResultKind int

const (
	Success ResultKind = iota
	DataProcessingFailure
	MeshGenerationFailure
	GameObjectFailure
	Cancelled
)

func (k ResultKind) String() string {
	switch k {
	case Success:
		return "success"
	case DataProcessingFailure:
		return "data_processing_failure"
	case MeshGenerationFailure:
		return "mesh_generation_failure"
	case GameObjectFailure:
		return "game_object_failure"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type Result struct {
	Kind  ResultKind
	Value any
	Err   error
}

// Task is a unit of background work owned by one tile.
//
// Work runs on a worker goroutine. Continuation and OnCancel run on the
// control loop.
type Task struct {
	ID   string
	Tile domain.TileID

	Work         func(ctx context.Context) (any, error)
	Continuation func(Result)
	// OnCancel fires when the task is cancelled before it starts
	OnCancel func()

	priority   Priority
	enqueuedAt time.Time
	startedAt  time.Time
	finishedAt time.Time
}

func (t *Task) Priority() Priority {
	return t.priority
}

func (t *Task) EnqueuedAt() time.Time {
	return t.enqueuedAt
}

func (t *Task) StartedAt() time.Time {
	return t.startedAt
}

func (t *Task) FinishedAt() time.Time {
	return t.finishedAt
}

func resultFromWork(value any, err error) Result {
	switch {
	case err == nil:
		return Result{Kind: Success, Value: value}
	case errors.Is(err, domain.ErrCancelled), errors.Is(err, context.Canceled):
		return Result{Kind: Cancelled, Err: err}
	case errors.Is(err, domain.ErrMeshGeneration):
		return Result{Kind: MeshGenerationFailure, Err: err}
	case errors.Is(err, domain.ErrGameObject):
		return Result{Kind: GameObjectFailure, Err: err}
	default:
		return Result{Kind: DataProcessingFailure, Err: err}
	}
}
