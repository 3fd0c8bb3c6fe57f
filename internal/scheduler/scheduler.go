// Package scheduler runs CPU-bound tile work off the control loop.
//
// AddTask may be called from any goroutine. Everything else belongs to the
// control loop, which also receives every continuation through the mailbox.
package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/Amund211/tilestream/internal/domain"
	"github.com/Amund211/tilestream/internal/logging"
	"github.com/Amund211/tilestream/internal/reporting"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const DefaultMaxRunning = 10

type Poster interface {
	Post(fn func())
}

type Options struct {
	MaxRunning int
}

type Stats struct {
	Pending [numPriorities]int
	Running int
}

func (s Stats) TotalPending() int {
	total := 0
	for _, n := range s.Pending {
		total += n
	}
	return total
}

type Scheduler struct {
	mailbox    Poster
	nowFunc    func() time.Time
	maxRunning int

	baseCtx   context.Context
	cancelAll context.CancelFunc

	// Guards the registration indexes, which producers touch via AddTask
	lock       sync.Mutex
	queues     [numPriorities][]*Task
	byID       map[string]*Task
	byTile     map[domain.CacheKey]map[string]*Task
	destroying bool

	running int
	workers sync.WaitGroup
}

func New(mailbox Poster, opts Options, nowFunc func() time.Time) *Scheduler {
	maxRunning := opts.MaxRunning
	if maxRunning <= 0 {
		maxRunning = DefaultMaxRunning
	}

	baseCtx, cancelAll := context.WithCancel(context.Background())

	return &Scheduler{
		mailbox:    mailbox,
		nowFunc:    nowFunc,
		maxRunning: maxRunning,
		baseCtx:    baseCtx,
		cancelAll:  cancelAll,
		byID:       make(map[string]*Task),
		byTile:     make(map[domain.CacheKey]map[string]*Task),
	}
}

// AddTask queues task at the tail of its priority level. A pending task with
// the same id is replaced and will never run. Returns false after Shutdown.
func (s *Scheduler) AddTask(task *Task, priority Priority) bool {
	if !priority.valid() {
		priority = min(max(priority, PriorityHighest), PriorityLowest)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.destroying {
		return false
	}

	if existing, ok := s.byID[task.ID]; ok {
		s.removeLocked(existing)
	}

	task.priority = priority
	task.enqueuedAt = s.nowFunc()
	task.startedAt = time.Time{}
	task.finishedAt = time.Time{}

	s.queues[priority] = append(s.queues[priority], task)
	s.byID[task.ID] = task

	key := task.Tile.Key()
	tileTasks, ok := s.byTile[key]
	if !ok {
		tileTasks = make(map[string]*Task)
		s.byTile[key] = tileTasks
	}
	tileTasks[task.ID] = task

	return true
}

func (s *Scheduler) removeLocked(task *Task) {
	delete(s.byID, task.ID)

	key := task.Tile.Key()
	if tileTasks, ok := s.byTile[key]; ok {
		delete(tileTasks, task.ID)
		if len(tileTasks) == 0 {
			delete(s.byTile, key)
		}
	}

	s.queues[task.priority] = slices.DeleteFunc(s.queues[task.priority], func(t *Task) bool {
		return t == task
	})
}

// next pops the oldest task of the most urgent non-empty level
func (s *Scheduler) next() *Task {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.destroying {
		return nil
	}

	for level := range s.queues {
		if len(s.queues[level]) == 0 {
			continue
		}
		task := s.queues[level][0]
		s.removeLocked(task)
		return task
	}
	return nil
}

// Tick starts pending tasks while fewer than the maximum are running
func (s *Scheduler) Tick(ctx context.Context) {
	for s.running < s.maxRunning {
		task := s.next()
		if task == nil {
			return
		}
		s.start(ctx, task)
	}
}

func (s *Scheduler) start(ctx context.Context, task *Task) {
	s.running++
	task.startedAt = s.nowFunc()

	priorityAttr := metric.WithAttributes(attribute.Int("priority", int(task.priority)))
	metrics.started.Add(ctx, 1, priorityAttr)
	metrics.queueWait.Record(ctx, task.startedAt.Sub(task.enqueuedAt).Seconds(), priorityAttr)

	workCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.baseCtx, cancel)

	s.workers.Go(func() {
		defer cancel()
		defer stop()

		value, err := s.execute(workCtx, task)
		result := resultFromWork(value, err)

		s.mailbox.Post(func() {
			s.finish(ctx, task, result)
		})
	})
}

func (s *Scheduler) execute(ctx context.Context, task *Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: task %s panicked: %v", domain.ErrDataProcessing, task.ID, r)
			reporting.Report(ctx, err, map[string]string{
				"taskID": task.ID,
				"tile":   task.Tile.String(),
				"stack":  string(debug.Stack()),
			})
		}
	}()

	if task.Work == nil {
		return nil, nil
	}
	return task.Work(ctx)
}

func (s *Scheduler) finish(ctx context.Context, task *Task, result Result) {
	s.running--
	task.finishedAt = s.nowFunc()

	metrics.runDuration.Record(ctx, task.finishedAt.Sub(task.startedAt).Seconds(),
		metric.WithAttributes(attribute.String("result", result.Kind.String())),
	)

	if s.isDestroying() {
		result = Result{Kind: Cancelled, Err: domain.ErrShutdown}
	}

	if result.Kind == DataProcessingFailure || result.Kind == MeshGenerationFailure || result.Kind == GameObjectFailure {
		logging.FromContext(ctx).WarnContext(
			ctx,
			"Task failed",
			slog.String("taskID", task.ID),
			logging.TileAttr(task.Tile),
			slog.String("kind", result.Kind.String()),
			slog.String("error", result.Err.Error()),
		)
	}

	s.deliver(ctx, task, result)
}

func (s *Scheduler) deliver(ctx context.Context, task *Task, result Result) {
	metrics.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result.Kind.String())))

	if task.Continuation != nil {
		task.Continuation(result)
	}
}

func (s *Scheduler) cancelPending(ctx context.Context, tasks []*Task, err error) {
	slices.SortFunc(tasks, func(a, b *Task) int {
		if c := cmp.Compare(a.priority, b.priority); c != 0 {
			return c
		}
		return a.enqueuedAt.Compare(b.enqueuedAt)
	})

	for _, task := range tasks {
		if task.OnCancel != nil {
			task.OnCancel()
		}
		s.deliver(ctx, task, Result{Kind: Cancelled, Err: err})
	}
}

// CancelTile cancels the pending tasks of tile. Running tasks are left alone.
func (s *Scheduler) CancelTile(ctx context.Context, tile domain.TileID) {
	s.lock.Lock()
	tileTasks := s.byTile[tile.Key()]
	cancelled := make([]*Task, 0, len(tileTasks))
	for _, task := range tileTasks {
		cancelled = append(cancelled, task)
	}
	for _, task := range cancelled {
		s.removeLocked(task)
	}
	s.lock.Unlock()

	s.cancelPending(ctx, cancelled, domain.ErrCancelled)
}

// CancelTask cancels one pending task. Unknown or running ids are ignored.
func (s *Scheduler) CancelTask(ctx context.Context, id string) {
	s.lock.Lock()
	task, ok := s.byID[id]
	if ok {
		s.removeLocked(task)
	}
	s.lock.Unlock()

	if ok {
		s.cancelPending(ctx, []*Task{task}, domain.ErrCancelled)
	}
}

// Shutdown cancels all pending work and signals running work to stop. Tasks
// that finish afterwards report Cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.lock.Lock()
	if s.destroying {
		s.lock.Unlock()
		return
	}
	s.destroying = true

	pending := make([]*Task, 0, len(s.byID))
	for _, task := range s.byID {
		pending = append(pending, task)
	}
	s.byID = make(map[string]*Task)
	s.byTile = make(map[domain.CacheKey]map[string]*Task)
	s.queues = [numPriorities][]*Task{}
	s.lock.Unlock()

	s.cancelAll()
	s.cancelPending(ctx, pending, domain.ErrShutdown)

	logging.FromContext(ctx).InfoContext(ctx, "Task scheduler shut down",
		slog.Int("cancelled", len(pending)),
		slog.Int("running", s.running),
	)
}

// Wait blocks until all started work functions have returned. Their
// continuations are still waiting in the mailbox afterwards.
func (s *Scheduler) Wait() {
	s.workers.Wait()
}

func (s *Scheduler) isDestroying() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.destroying
}

// Pending reports whether a task with id is waiting to start
func (s *Scheduler) Pending(id string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, ok := s.byID[id]
	return ok
}

func (s *Scheduler) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()

	stats := Stats{Running: s.running}
	for level, queue := range s.queues {
		stats.Pending[level] = len(queue)
	}
	return stats
}
