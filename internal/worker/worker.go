// Package worker runs training passes requested over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/credrisk/internal/domain"
	"github.com/opensource-finance/credrisk/internal/pipeline"
)

var (
	// ErrBusy is returned when a training request arrives while another is running.
	ErrBusy = errors.New("training already in progress")

	// ErrStopped is returned by Run and Start once Stop has been called.
	ErrStopped = errors.New("training worker stopped")
)

// Trainer is the training entry point the worker drives.
type Trainer interface {
	Train(ctx context.Context, records []domain.TransactionRecord) (*pipeline.Result, error)
}

// Worker consumes TopicTrainingRequested and trains on the stored
// transaction log, one pass at a time.
type Worker struct {
	bus     domain.EventBus
	store   domain.TransactionStore
	trainer Trainer

	running atomic.Bool
	mu      sync.Mutex // guards subs, stopped and wg.Add
	subs    []domain.Subscription
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// NewWorker creates a training worker.
func NewWorker(bus domain.EventBus, store domain.TransactionStore, trainer Trainer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		store:   store,
		trainer: trainer,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to training requests.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTrainingRequested, w.handleMessage)
	if err != nil {
		return err
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		_ = sub.Unsubscribe()
		return ErrStopped
	}
	w.subs = append(w.subs, sub)
	w.mu.Unlock()

	slog.Info("training worker started", "topic", domain.TopicTrainingRequested)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var req domain.TrainingRequest
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			slog.Error("failed to parse training request", "message_id", msg.ID, "error", err)
			return fmt.Errorf("%w: malformed training request: %v", domain.ErrValidation, err)
		}
	}
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}

	_, err := w.Run(ctx, req)
	if errors.Is(err, ErrBusy) || errors.Is(err, ErrStopped) {
		slog.Warn("training request dropped", "request_id", req.RequestID, "reason", err)
		return nil
	}
	return err
}

// Run executes one training pass for req and publishes its events.
// It returns ErrBusy if a pass is already running and ErrStopped after Stop.
func (w *Worker) Run(ctx context.Context, req domain.TrainingRequest) (*pipeline.Result, error) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil, ErrStopped
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	if !w.running.CompareAndSwap(false, true) {
		w.rejected.Add(1)
		return nil, ErrBusy
	}
	defer w.running.Store(false)

	start := time.Now()
	slog.Info("training started", "request_id", req.RequestID)

	records, err := w.store.ListTransactions(ctx)
	if err != nil {
		w.failed.Add(1)
		return nil, fmt.Errorf("load transactions: %w", err)
	}

	res, err := w.trainer.Train(ctx, records)
	if res != nil && res.Outcome != nil {
		w.publishRuns(ctx, req.RequestID, res)
	}
	if err != nil {
		w.failed.Add(1)
		slog.Error("training failed", "request_id", req.RequestID, "error", err)
		return res, err
	}

	if rm := res.Outcome.Registered; rm != nil {
		w.publish(ctx, domain.TopicModelPromoted, domain.ModelPromoted{RequestID: req.RequestID, Model: *rm})
	}

	w.completed.Add(1)
	slog.Info("training finished",
		"request_id", req.RequestID,
		"customers", len(res.Prepared.Profiles),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (w *Worker) publishRuns(ctx context.Context, requestID string, res *pipeline.Result) {
	for _, r := range res.Outcome.Results {
		ev := domain.RunCompleted{
			RequestID: requestID,
			Family:    r.Family,
			Status:    string(domain.RunFinished),
			ROCAUC:    r.Metrics.ROCAUC,
		}
		if r.Run != nil {
			ev.RunID = r.Run.RunID
		}
		if r.Err != nil {
			ev.Status = string(domain.RunFailed)
			ev.ROCAUC = 0
			ev.Error = r.Err.Error()
		}
		w.publish(ctx, domain.TopicRunCompleted, ev)
	}
}

func (w *Worker) publish(ctx context.Context, topic string, v any) {
	payload, err := json.Marshal(v)
	if err == nil {
		err = w.bus.Publish(ctx, topic, payload)
	}
	if err != nil {
		slog.Error("failed to publish event", "topic", topic, "error", err)
	}
}

// Request publishes a training request and returns its id.
func Request(ctx context.Context, bus domain.EventBus) (string, error) {
	req := domain.TrainingRequest{
		RequestID:   uuid.NewString(),
		RequestedAt: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	if err := bus.Publish(ctx, domain.TopicTrainingRequested, payload); err != nil {
		return "", err
	}
	return req.RequestID, nil
}

// Stop unsubscribes and waits for a running pass to finish.
// Unsubscribing happens outside mu because a bus may wait for an in-flight
// handler, which itself takes mu in Run.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.stopped = true
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()

	w.cancel()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("training worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Running           bool     `json:"running"`
	Completed         int64    `json:"completed"`
	Failed            int64    `json:"failed"`
	Rejected          int64    `json:"rejected"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subs))
	for i, sub := range w.subs {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		Running:           w.running.Load(),
		Completed:         w.completed.Load(),
		Failed:            w.failed.Load(),
		Rejected:          w.rejected.Load(),
	}
}
