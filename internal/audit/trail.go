package audit

/*
Файл trail.go — журнал событий по задачам подтверждения (approval_events).

- Log не блокирует вызывающего: событие уходит в буферизованный канал,
  при переполнении сбрасывается с ошибкой в лог.
- Воркер пишет пачками: по размеру пачки или по таймеру.
- Stop закрывает вход и дожидается финального flush.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняются события.
type Storage interface {
	WriteBatch(ctx context.Context, events []Event) error
}

type Auditor interface {
	Log(event Event)
}

// Nop ничего не пишет.
type Nop struct{}

func (Nop) Log(Event) {}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (o *Options) normalize() {
	if o.BufferSize <= 0 {
		o.BufferSize = 1000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
}

type Trail struct {
	ch     chan Event
	repo   Storage
	logger *zap.Logger
	opts   Options
	gauge  func(float64)

	wg sync.WaitGroup
	mu sync.RWMutex // защищает закрытие канала от конкурентных Log
	closed bool
}

func NewTrail(repo Storage, opts Options, logger *zap.Logger) *Trail {
	opts.normalize()
	return &Trail{
		ch:     make(chan Event, opts.BufferSize),
		repo:   repo,
		logger: logger.Named("audit"),
		opts:   opts,
		gauge:  func(float64) {},
	}
}

// WithBufferGauge подключает метрику заполненности буфера.
func (t *Trail) WithBufferGauge(set func(float64)) *Trail {
	t.gauge = set
	return t
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop запирает вход и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.logger.Info("stopping audit trail: closing channel and flushing buffer")
	close(t.ch)
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully")
}

func (t *Trail) Log(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.logger.Warn("audit event dropped: trail is stopping",
			zap.String("task_id", event.TaskID), zap.String("kind", string(event.Kind)))
		return
	}

	// Load shedding: лучше потерять событие, чем задержать решение
	select {
	case t.ch <- event:
		t.gauge(float64(len(t.ch)))
	default:
		t.logger.Error("audit_buffer_overflow",
			zap.String("task_id", event.TaskID),
			zap.String("kind", string(event.Kind)),
			zap.String("trace_id", event.TraceID),
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]Event, 0, t.opts.BatchSize)
	ticker := time.NewTicker(t.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст процесса к этому моменту может быть уже отменен
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.repo.WriteBatch(ctx, batch); err != nil {
			t.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		t.gauge(float64(len(t.ch)))
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop: остатки уже вычитаны, финальный сброс
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= t.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
