package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lysyi3m/friend-mesh/app/cfg"
	"github.com/lysyi3m/friend-mesh/app/database"
	"github.com/lysyi3m/friend-mesh/app/feed"
	"github.com/lysyi3m/friend-mesh/app/fetch"
	"github.com/lysyi3m/friend-mesh/app/ingest"
	"github.com/lysyi3m/friend-mesh/app/retention"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

// Scheduler drives the polling loop: every tick it asks which feeds are
// due and dispatches per-feed tasks onto the worker pool. Feeds are
// mutually independent; the only mutual exclusion is the per-feed poll
// claim inside PollFeedTask.
type Scheduler struct {
	relRepo          database.RelationshipRepository
	feedRepo         database.FeedRepository
	itemRepo         database.ItemRepository
	fetcher          *fetch.Fetcher
	registry         *feed.Registry
	ingester         *ingest.Ingester
	enforcer         *retention.Enforcer
	contentExtractor *feed.ContentExtractor
	defaultInterval  time.Duration
	interval         time.Duration
	workerCount      int
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
	taskQueue        chan TaskInterface
}

func NewScheduler(relRepo database.RelationshipRepository, feedRepo database.FeedRepository,
	itemRepo database.ItemRepository, fetcher *fetch.Fetcher, registry *feed.Registry,
	ingester *ingest.Ingester, enforcer *retention.Enforcer,
	contentExtractor *feed.ContentExtractor) TaskSchedulerInterface {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := cfg.Get()

	return &Scheduler{
		relRepo:          relRepo,
		feedRepo:         feedRepo,
		itemRepo:         itemRepo,
		fetcher:          fetcher,
		registry:         registry,
		ingester:         ingester,
		enforcer:         enforcer,
		contentExtractor: contentExtractor,
		defaultInterval:  time.Duration(cfg.PollInterval) * time.Second,
		interval:         time.Duration(cfg.SchedulerInterval) * time.Second,
		workerCount:      cfg.WorkerCount,
		ctx:              ctx,
		cancel:           cancel,
		taskQueue:        make(chan TaskInterface, 300),
	}
}

func (s *Scheduler) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.enqueueDueTasks()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.enqueueDueTasks()
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	close(s.taskQueue)
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

func (s *Scheduler) enqueueDueTasks() {
	feeds, err := s.feedRepo.GetActive()
	if err != nil {
		slog.Error("Failed to load active feeds", "error", err)
		return
	}
	if len(feeds) == 0 {
		slog.Debug("No active feeds found")
		return
	}

	now := time.Now().UTC()

	for _, f := range feeds {
		if IsDue(&f, now, s.defaultInterval) {
			pollTask := NewPollFeedTask(f, s.relRepo, s.feedRepo, s.fetcher, s.registry, s.ingester)
			if err := s.EnqueueTask(pollTask); err != nil {
				slog.Warn("Failed to enqueue PollFeedTask", "feed", f.ID, "error", err)
			}
		} else {
			slog.Debug("Feed not due for polling yet", "feed", f.ID, "next_poll_at", NextPollAt(&f, s.defaultInterval))
		}

		retentionTask := NewEnforceRetentionTask(f, s.relRepo, s.enforcer)
		if err := s.EnqueueTask(retentionTask); err != nil {
			slog.Warn("Failed to enqueue EnforceRetentionTask", "feed", f.ID, "error", err)
		}

		if f.ExtractContent {
			extractTask := NewExtractContentTask(f, s.fetcher, s.contentExtractor, s.itemRepo)
			if err := s.EnqueueTask(extractTask); err != nil {
				slog.Warn("Failed to enqueue ExtractContentTask", "feed", f.ID, "error", err)
			}
		}
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task, ok := <-s.taskQueue:
			if !ok {
				return
			}
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	err := task.Execute(taskCtx)

	if err != nil {
		slog.Error("Worker task execution failed", "worker_id", workerID, "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", err)

		if task.CanRetry() {
			task.IncrementRetryCount()
			retryDelay := time.Duration(1<<uint(task.GetRetryCount()-1)) * time.Second
			if retryDelay > 30*time.Second {
				retryDelay = 30 * time.Second
			}

			slog.Warn("Task retry scheduled", "type", string(task.GetType()), "feed", task.GetFeedID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", retryDelay.String())

			go func() {
				time.Sleep(retryDelay)
				select {
				case <-s.ctx.Done():
					slog.Debug("Scheduler stopped, skipping task retry", "type", string(task.GetType()), "id", task.GetID())
					return
				default:
					if retryErr := s.EnqueueTask(task); retryErr != nil {
						slog.Error("Failed to re-enqueue task for retry", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", retryErr)
					}
				}
			}()
		} else {
			slog.Error("Task failed after maximum retries", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", err)
		}
	}
}
