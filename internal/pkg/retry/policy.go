// Package retry объединяет все политики повторов конвейера в одну абстракцию
// поверх github.com/cenkalti/backoff/v4.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy описывает последовательность пауз между попытками.
type Policy struct {
	// MaxRetries — число повторов после первой попытки. 0 — без ограничения.
	MaxRetries uint64
	// BaseDelay — первая пауза.
	BaseDelay time.Duration
	// Exponential удваивает паузу после каждой неудачи.
	Exponential bool
	// Jitter — доля случайного разброса паузы, от 0 до 1.
	Jitter float64
}

// Fixed возвращает политику с постоянной паузой и бесконечными повторами.
func Fixed(delay time.Duration) Policy {
	return Policy{BaseDelay: delay}
}

// Exponential возвращает политику с паузами base, 2*base, 4*base ...
// и не более maxRetries повторов.
func Exponential(base time.Duration, maxRetries uint64) Policy {
	return Policy{BaseDelay: base, Exponential: true, MaxRetries: maxRetries}
}

// NewBackOff строит backoff.BackOff по политике.
func (p Policy) NewBackOff() backoff.BackOff {
	var b backoff.BackOff
	if p.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.BaseDelay
		eb.Multiplier = 2
		eb.RandomizationFactor = p.Jitter
		eb.MaxInterval = 24 * time.Hour
		eb.MaxElapsedTime = 0
		b = eb
	} else if p.Jitter > 0 {
		b = &jitteredConstant{delay: p.BaseDelay, jitter: p.Jitter}
	} else {
		b = backoff.NewConstantBackOff(p.BaseDelay)
	}
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxRetries)
	}
	return b
}

type jitteredConstant struct {
	delay  time.Duration
	jitter float64
}

func (j *jitteredConstant) NextBackOff() time.Duration {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     j.delay,
		RandomizationFactor: j.jitter,
		Multiplier:          1,
		MaxInterval:         j.delay * 2,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()
	return eb.NextBackOff()
}

func (j *jitteredConstant) Reset() {}

// Hinted — backoff, паузу для которого задает сама операция
// (например, по заголовкам ограничения частоты). Повторы не ограничены.
type Hinted struct {
	mu       sync.Mutex
	fallback time.Duration
	next     time.Duration
	hinted   bool
}

// NewHinted создает Hinted с паузой по умолчанию fallback.
func NewHinted(fallback time.Duration) *Hinted {
	return &Hinted{fallback: fallback}
}

// Set задает паузу перед следующей попыткой. Отрицательная пауза
// (момент сброса уже прошел) означает немедленный повтор.
func (h *Hinted) Set(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d < 0 {
		d = 0
	}
	h.next = d
	h.hinted = true
}

func (h *Hinted) NextBackOff() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.hinted {
		return h.fallback
	}
	h.hinted = false
	return h.next
}

func (h *Hinted) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next = 0
	h.hinted = false
}

// TimerFactory создает таймер для одной серии повторов.
// nil означает системный таймер.
type TimerFactory func() backoff.Timer

// Notify вызывается перед каждой паузой.
type Notify func(err error, wait time.Duration)

// Do выполняет op, повторяя ее по b, пока op не вернет nil,
// ошибку Permanent, не закончатся повторы или не завершится ctx.
func Do(ctx context.Context, b backoff.BackOff, op func() error, notify Notify, timers TimerFactory) error {
	var t backoff.Timer
	if timers != nil {
		t = timers()
	}
	var n backoff.Notify
	if notify != nil {
		n = backoff.Notify(notify)
	}
	return backoff.RetryNotifyWithTimer(op, backoff.WithContext(b, ctx), n, t)
}

// Permanent помечает ошибку как не подлежащую повтору.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
