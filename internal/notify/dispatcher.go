package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/authgate/internal/metrics"
)

// ErrQueueFull は送信キューが満杯でメッセージを受け付けられない場合に返される。
var ErrQueueFull = errors.New("notify: mail queue is full")

// ErrStopped は停止済みのDispatcherにメッセージを投入した場合に返される。
var ErrStopped = errors.New("notify: dispatcher stopped")

// DispatcherConfig はDispatcherの設定。
type DispatcherConfig struct {
	Workers     int           // 並列送信数
	QueueSize   int           // 送信待ちキューの長さ
	SendTimeout time.Duration // 1通あたりの送信タイムアウト

	// MaxRetries はキュー経由の送信で一時的な失敗を再送する回数（0で再送しない）。
	// SendNowは再送しない。
	MaxRetries   int
	RetryBackoff time.Duration // 再送の初回遅延（デフォルト: 1秒）
}

// Dispatcher はメール送信を固定数のワーカーで処理する。
// Enqueueは送信結果を待たずに戻り、失敗はログとメトリクスに記録される。
// SendNowは呼び出し元で送信結果を受け取る。
type Dispatcher struct {
	sender  Sender
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	cfg     DispatcherConfig

	queue chan Message
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewDispatcher はDispatcherを生成し、ワーカーを起動する。
// WorkersとQueueSizeが0以下の場合はそれぞれ4と100を使う。
func NewDispatcher(sender Sender, mc metrics.MetricsCollector, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if mc == nil {
		mc = metrics.Nop{}
	}

	d := &Dispatcher{
		sender:  sender,
		metrics: mc,
		logger:  logger,
		cfg:     cfg,
		queue:   make(chan Message, cfg.QueueSize),
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}

	return d
}

// SendNow はメッセージを同期的に送信する。送信にはSendTimeoutが適用される。
func (d *Dispatcher) SendNow(ctx context.Context, msg Message) error {
	return d.deliver(ctx, msg)
}

// Enqueue はメッセージを送信キューに投入する。キューが満杯ならErrQueueFullを返す。
func (d *Dispatcher) Enqueue(msg Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrStopped
	}

	select {
	case d.queue <- msg:
		d.metrics.SetMailQueueDepth(len(d.queue))
		return nil
	default:
		d.metrics.RecordMailFailure(msg.Kind)
		d.logger.Warn("mail queue full, message dropped",
			slog.String("kind", msg.Kind),
			slog.String("to", msg.To),
		)
		return ErrQueueFull
	}
}

// Stop は新規投入を止め、キューに残ったメッセージを送信し終えるまで待つ。
// ctxが先に終了した場合はctx.Err()を返す。
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for msg := range d.queue {
		d.metrics.SetMailQueueDepth(len(d.queue))
		if err := d.deliverWithRetry(msg); err != nil {
			d.logger.Error("background mail delivery failed",
				slog.String("kind", msg.Kind),
				slog.String("to", msg.To),
				slog.String("error", err.Error()),
			)
		}
	}
}

// deliverWithRetry は一時的な失敗をMaxRetries回まで指数バックオフで再送する。
func (d *Dispatcher) deliverWithRetry(msg Message) error {
	var err error
	for retries := 0; ; retries++ {
		err = d.deliver(context.Background(), msg)
		if classifySendError(err) != deliveryRetry || retries >= d.cfg.MaxRetries {
			return err
		}

		delay := calculateBackoff(d.cfg.RetryBackoff, retries)
		d.logger.Warn("mail delivery failed, retrying",
			slog.String("kind", msg.Kind),
			slog.String("to", msg.To),
			slog.Int("retry", retries+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		time.Sleep(delay)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	err := d.sender.Send(ctx, msg)
	d.metrics.RecordMailLatency(time.Since(start))

	if err != nil {
		d.metrics.RecordMailFailure(msg.Kind)
		return err
	}
	d.metrics.RecordMailSent(msg.Kind)
	return nil
}
