package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/pointshop/internal/metrics"
)

var (
	// ErrQueueFull возвращается, если очередь уведомлений переполнена.
	ErrQueueFull = errors.New("approval queue is full")
	// ErrStopped возвращается для уведомлений, не отправленных до остановки диспетчера.
	ErrStopped = errors.New("approval dispatcher stopped")
)

// Notifier доставляет сводку на площадку проверки и возвращает идентификатор сообщения.
type Notifier interface {
	Notify(ctx context.Context, s Summary) (string, error)
}

// MessageRecorder сохраняет связь сообщения проверки с транзакцией.
type MessageRecorder interface {
	AttachReviewMessage(ctx context.Context, transactionID, messageID string) error
}

type job struct {
	summary Summary
	result  chan error
}

// Dispatcher асинхронно отправляет уведомления о транзакциях. Результат отправки не
// влияет на уже зафиксированную транзакцию: при ошибке она остаётся в pending-approval.
type Dispatcher struct {
	notifier Notifier
	recorder MessageRecorder
	logger   *zap.Logger

	queue   chan job
	workers int
	timeout time.Duration

	mu      sync.RWMutex
	stopped bool
}

// Option настраивает Dispatcher.
type Option func(*Dispatcher)

// WithWorkers задаёт количество параллельных отправителей.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithQueueSize задаёт размер очереди.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan job, n)
		}
	}
}

// WithTimeout ограничивает время одной отправки.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher создаёт диспетчер. Отправка начинается после вызова Run.
func NewDispatcher(notifier Notifier, recorder MessageRecorder, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
		queue:    make(chan job, 100),
		workers:  2,
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch ставит уведомление в очередь и сразу возвращает канал, в который
// будет записан ровно один результат: nil при успешной доставке или ошибка.
func (d *Dispatcher) Dispatch(req Request) <-chan error {
	result := make(chan error, 1)
	j := job{summary: BuildSummary(req), result: result}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.fail(j, ErrStopped, "dropped")
		return result
	}

	select {
	case d.queue <- j:
	default:
		d.fail(j, ErrQueueFull, "dropped")
	}
	return result
}

// Run запускает отправителей и блокируется до отмены ctx. Уведомления, оставшиеся
// в очереди после остановки, завершаются ошибкой ErrStopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case j := <-d.queue:
					d.deliver(gctx, j)
				}
			}
		})
	}
	err := g.Wait()

	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	for {
		select {
		case j := <-d.queue:
			d.fail(j, ErrStopped, "dropped")
		default:
			return err
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	messageID, err := d.notifier.Notify(ctx, j.summary)
	if messageID != "" && d.recorder != nil {
		if recErr := d.recorder.AttachReviewMessage(ctx, j.summary.TransactionID, messageID); recErr != nil {
			d.logger.Error("attach review message error",
				zap.Error(recErr),
				zap.String("transactionID", j.summary.TransactionID),
				zap.String("messageID", messageID),
			)
		}
	}
	if err != nil {
		d.fail(j, fmt.Errorf("notify reviewers: %w", err), "failed")
		return
	}

	metrics.ApprovalNotifications.WithLabelValues("delivered").Inc()
	d.logger.Info("approval request delivered",
		zap.String("transactionID", j.summary.TransactionID),
		zap.String("messageID", messageID),
	)
	j.result <- nil
}

func (d *Dispatcher) fail(j job, err error, result string) {
	metrics.ApprovalNotifications.WithLabelValues(result).Inc()
	d.logger.Error("approval request not delivered, transaction needs reconciliation",
		zap.Error(err),
		zap.String("transactionID", j.summary.TransactionID),
		zap.String("userID", j.summary.UserID),
	)
	j.result <- err
}
