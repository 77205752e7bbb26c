package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-approvals/internal/connectors"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ReliabilityConfig struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration // Время, через которое CB попробует "закрыться"
	ConsecutiveFailures uint32
	RateLimit           float64
	RateBurst           int
	CallTimeout         time.Duration
	StartAttempts       uint
	StartDelay          time.Duration
}

// ReliableOrchestrator оборачивает адаптер оркестратора лимитером и
// предохранителем. Повторы только у StartExecution: именованный запуск
// идемпотентен, а повтор SendTask* по уже потраченному токену бессмыслен.
type ReliableOrchestrator struct {
	next    Orchestrator
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
	metrics *Metrics
	logger  *zap.Logger
}

func NewReliableOrchestrator(next Orchestrator, cfg ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *ReliableOrchestrator {
	if cfg.Name == "" {
		cfg.Name = "orchestrator"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.StartAttempts == 0 {
		cfg.StartAttempts = 3
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	r := &ReliableOrchestrator{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.Named("reliability"),
	}

	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// Битый токен это ошибка запроса, а не отказ оркестратора
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrInvalidToken) || errors.Is(err, domain.ErrValidation)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			r.logger.Warn("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	r.metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(float64(gobreaker.StateClosed))
	return r
}

// Available сообщает, пропустит ли предохранитель очередной вызов. Резолвер
// проверяет это до того, как потратить токен. В полуоткрытом состоянии
// доступен только остаток пробных запросов.
func (r *ReliableOrchestrator) Available() bool {
	switch r.cb.State() {
	case gobreaker.StateOpen:
		return false
	case gobreaker.StateHalfOpen:
		limit := r.cfg.MaxRequests
		if limit == 0 {
			limit = 1 // так считает gobreaker
		}
		return r.cb.Counts().Requests < limit
	default:
		return true
	}
}

// Decode проксирует структурную проверку токена в адаптер.
func (r *ReliableOrchestrator) Decode(token string) ([]byte, error) {
	if codec, ok := r.next.(TokenCodec); ok {
		return codec.Decode(token)
	}
	return []byte(token), nil
}

func (r *ReliableOrchestrator) StartExecution(ctx context.Context, definitionRef, executionName string, input []byte) (string, error) {
	var ref string
	err := r.call(ctx, "start_execution", func() error {
		rt := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.cfg.StartAttempts),
			retry.Delay(r.cfg.StartDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return !errors.Is(err, domain.ErrValidation)
			}),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Оркестратор сам сказал, когда приходить
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)
		return rt.Do(func() error {
			cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
			defer cancel()

			var callErr error
			ref, callErr = r.next.StartExecution(cctx, definitionRef, executionName, input)
			return callErr
		})
	})
	return ref, err
}

func (r *ReliableOrchestrator) SendTaskSuccess(ctx context.Context, token string, output []byte) error {
	return r.call(ctx, "send_task_success", func() error {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		return r.next.SendTaskSuccess(cctx, token, output)
	})
}

func (r *ReliableOrchestrator) SendTaskFailure(ctx context.Context, token, errorCode string, cause []byte) error {
	return r.call(ctx, "send_task_failure", func() error {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		return r.next.SendTaskFailure(cctx, token, errorCode, cause)
	})
}

func (r *ReliableOrchestrator) call(ctx context.Context, op string, fn func() error) error {
	start := time.Now()

	// 1. Rate Limiter
	if err := r.limiter.Wait(ctx); err != nil {
		r.observe(op, "rate_limited", start)
		return fmt.Errorf("orchestrator %s: rate limit: %w", op, err)
	}

	// 2. Circuit Breaker
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	switch {
	case err == nil:
		r.observe(op, "ok", start)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		r.observe(op, "circuit_open", start)
		return fmt.Errorf("orchestrator %s: %w", op, err)
	default:
		r.observe(op, "error", start)
	}
	return err
}

func (r *ReliableOrchestrator) observe(op, status string, start time.Time) {
	r.metrics.OrchestratorDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}
