// Package scheduler dispatches due scheduled posts through the orchestrator.
// A poller claims due posts from storage and pushes them onto a task queue;
// workers pull from the queue and run the post flow. Claiming happens in
// storage before enqueueing, so a post is dispatched at most once even with
// several scheduler instances sharing a queue.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/akiranaka1984/sns-orchestrator/pkg/bus"
	"github.com/akiranaka1984/sns-orchestrator/pkg/errors"
	"github.com/akiranaka1984/sns-orchestrator/pkg/logging"
	"github.com/akiranaka1984/sns-orchestrator/pkg/orchestrator"
	"github.com/akiranaka1984/sns-orchestrator/pkg/storage"
)

const queueName = "scheduled-posts"

// retryDelay spaces out retries when the account is busy with another
// operation at dispatch time.
const retryDelay = 30 * time.Second

// Poster runs the post flow for one account. Satisfied by the orchestrator.
type Poster interface {
	Post(ctx context.Context, accountID, content string, mediaURLs []string) (*orchestrator.PostResult, error)
}

// Config bounds polling and worker concurrency.
type Config struct {
	PollInterval time.Duration
	Workers      int
	BatchSize    int
}

// Scheduler owns the poll loop and worker pool.
type Scheduler struct {
	cfg    Config
	store  *storage.Store
	queue  bus.TaskQueue
	poster Poster
	logger *logging.Logger
}

type task struct {
	PostID string `json:"postId"`
}

// New creates a scheduler backed by the bus's task queue.
func New(cfg Config, store *storage.Store, msgBus bus.MessageBus, poster Poster, logger *logging.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		queue:  msgBus.Queue(queueName),
		poster: poster,
		logger: logger,
	}
}

// Run polls and processes until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.pollLoop(ctx)
	})
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			return s.workerLoop(ctx)
		})
	}
	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (s *Scheduler) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	// One immediate pass so restarts do not wait a full interval.
	s.dispatchDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

// dispatchDue claims due posts and enqueues them.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	due, err := s.store.ListDuePosts(time.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error(logging.CategoryScheduler, "due_post_query_failed", err.Error(), nil)
		return
	}
	for _, post := range due {
		claimed, err := s.store.MarkPostPosting(post.PostID)
		if err != nil {
			s.logger.Error(logging.CategoryScheduler, "post_claim_failed", err.Error(), map[string]any{
				"post_id": post.PostID,
			})
			continue
		}
		if !claimed {
			continue
		}
		data, err := json.Marshal(task{PostID: post.PostID})
		if err != nil {
			continue
		}
		if err := s.queue.Push(ctx, data); err != nil {
			s.logger.Error(logging.CategoryScheduler, "post_enqueue_failed", err.Error(), map[string]any{
				"post_id": post.PostID,
			})
			// Fail the claim so a later poll can requeue it explicitly.
			_ = s.store.MarkPostFailed(post.PostID, "enqueue failed: "+err.Error())
			continue
		}
		s.logger.Info(logging.CategoryScheduler, "post_dispatched", "", map[string]any{
			"post_id":    post.PostID,
			"account_id": post.AccountID,
		})
	}
}

func (s *Scheduler) workerLoop(ctx context.Context) error {
	for {
		item, err := s.queue.Pull(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == bus.ErrClosed {
				return nil
			}
			// NATS pulls return ErrQueueEmpty when a fetch window passes
			// without work; just pull again.
			if err == bus.ErrQueueEmpty {
				continue
			}
			s.logger.Error(logging.CategoryScheduler, "queue_pull_failed", err.Error(), nil)
			continue
		}

		var t task
		if err := json.Unmarshal(item.Data, &t); err != nil {
			_ = s.queue.Ack(ctx, item.ID)
			continue
		}
		s.process(ctx, t.PostID)
		_ = s.queue.Ack(ctx, item.ID)
	}
}

// process runs one claimed post through the orchestrator and records the
// outcome. A busy account is rescheduled rather than failed permanently.
func (s *Scheduler) process(ctx context.Context, postID string) {
	post, err := s.store.GetPost(postID)
	if err != nil || post == nil {
		return
	}
	if post.Status != storage.PostStatusPosting {
		return
	}

	res, err := s.poster.Post(ctx, post.AccountID, post.Content, post.MediaURLs)
	if err != nil {
		message := err.Error()
		if e, ok := err.(*errors.Error); ok {
			message = e.Message
		}
		if merr := s.store.MarkPostFailed(postID, message); merr != nil {
			s.logger.Error(logging.CategoryScheduler, "post_result_persist_failed", merr.Error(), map[string]any{
				"post_id": postID,
			})
			return
		}
		if errors.IsCode(err, errors.ErrCodeAlreadyRunning) {
			if _, rerr := s.store.RequeuePost(postID, time.Now().UTC().Add(retryDelay)); rerr != nil {
				s.logger.Error(logging.CategoryScheduler, "post_requeue_failed", rerr.Error(), map[string]any{
					"post_id": postID,
				})
			}
			return
		}
		s.logger.Warn(logging.CategoryScheduler, "scheduled_post_failed", message, map[string]any{
			"post_id":    postID,
			"account_id": post.AccountID,
		})
		return
	}

	if err := s.store.MarkPostPosted(postID, res.PostURL, res.ScreenshotURL); err != nil {
		s.logger.Error(logging.CategoryScheduler, "post_result_persist_failed", err.Error(), map[string]any{
			"post_id": postID,
		})
	}
}
