// Package balancer содержит стратегии выбора элемента из набора.
package balancer

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"chat-archiver/internal/ports"
)

// Имена стратегий в конфигурации.
const (
	RoundRobin = "round_robin"
	Random     = "random"
)

var (
	// ErrEmpty возвращается, когда выбирать не из чего.
	ErrEmpty = errors.New("no items to choose from")
	// ErrUnknownStrategy возвращается для неизвестного имени стратегии.
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// ByName создает стратегию по имени из конфигурации. Пустое имя — round robin.
func ByName[T any](name string) (ports.Strategy[T], error) {
	switch name {
	case "", RoundRobin:
		return NewRoundRobinStrategy[T](), nil
	case Random:
		return NewRandomStrategy[T](), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// RoundRobinStrategy реализует стратегию выбора "по кругу" (Round Robin).
type RoundRobinStrategy[T any] struct {
	// currentIndex хранит индекс последнего выбранного элемента.
	// Используется atomic для потокобезопасного инкремента.
	currentIndex atomic.Uint32
}

// NewRoundRobinStrategy создает новую Round Robin стратегию.
func NewRoundRobinStrategy[T any]() *RoundRobinStrategy[T] {
	return &RoundRobinStrategy[T]{}
}

// Next возвращает следующий элемент в списке, инкрементируя индекс по кругу.
func (s *RoundRobinStrategy[T]) Next(items []T) (T, error) {
	if len(items) == 0 {
		var zero T
		return zero, ErrEmpty
	}
	// Вычитаем 1, чтобы получить текущий индекс до увеличения.
	idx := s.currentIndex.Add(1) - 1
	return items[idx%uint32(len(items))], nil
}

// RandomStrategy выбирает случайный элемент. Состояния не хранит.
type RandomStrategy[T any] struct{}

// NewRandomStrategy создает новую случайную стратегию.
func NewRandomStrategy[T any]() RandomStrategy[T] {
	return RandomStrategy[T]{}
}

// Next возвращает случайный элемент списка.
func (RandomStrategy[T]) Next(items []T) (T, error) {
	if len(items) == 0 {
		var zero T
		return zero, ErrEmpty
	}
	return items[rand.IntN(len(items))], nil
}
