package services

import (
	"context"
	"log/slog"
	"time"

	"chat-archiver/internal/pkg/retry"
	"chat-archiver/internal/ports"
)

// base содержит зависимости, общие для всех компонентов конвейера.
type base struct {
	log    *slog.Logger
	timers retry.TimerFactory
	now    func() time.Time

	targetStrategy ports.Strategy[string]
}

func newBase(opts []Option) base {
	b := base{
		log: slog.Default(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// Option — функциональная опция компонентов конвейера.
type Option func(*base)

// WithLogger устанавливает логгер компонента.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.log = l
		}
	}
}

// WithTimers подменяет таймеры пауз между повторами.
func WithTimers(f retry.TimerFactory) Option {
	return func(b *base) {
		b.timers = f
	}
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		if now != nil {
			b.now = now
		}
	}
}

// WithTargetStrategy задает стратегию выбора цели загрузки для Resolver.
func WithTargetStrategy(s ports.Strategy[string]) Option {
	return func(b *base) {
		if s != nil {
			b.targetStrategy = s
		}
	}
}

// send отправляет v в ch, пока ctx активен. Ошибка писателя отменяет ctx,
// поэтому производители не блокируются на переполненной очереди.
func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
