package cache

import (
	"context"
	"sync"
	"time"
)

// Item представляет кэшированное значение.
type Item[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// TTLCache хранит значения с ограниченным сроком жизни.
// Безопасен для одновременного использования.
type TTLCache[K comparable, V any] struct {
	items map[K]*Item[V]
	mutex sync.RWMutex
	ttl   time.Duration
	now   func() time.Time
}

// Option настраивает TTLCache.
type Option[K comparable, V any] func(*TTLCache[K, V])

// WithClock подменяет источник текущего времени.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *TTLCache[K, V]) {
		if now != nil {
			c.now = now
		}
	}
}

// New создает кэш со сроком жизни записей ttl.
func New[K comparable, V any](ttl time.Duration, opts ...Option[K, V]) *TTLCache[K, V] {
	c := &TTLCache[K, V]{
		items: make(map[K]*Item[V]),
		ttl:   ttl,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get извлекает значение по ключу.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, exists := c.items[key]
	if !exists || c.now().After(item.ExpiresAt) {
		// Элемент не существует или срок его действия истек
		var zero V
		return zero, false
	}
	return item.Value, true
}

// Put сохраняет значение на время жизни кэша.
func (c *TTLCache[K, V]) Put(key K, value V) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items[key] = &Item[V]{
		Value:     value,
		ExpiresAt: c.now().Add(c.ttl),
	}
}

// Len возвращает число записей, включая еще не удаленные просроченные.
func (c *TTLCache[K, V]) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.items)
}

// CleanupExpired удаляет просроченные элементы из кэша
func (c *TTLCache[K, V]) CleanupExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	for key, item := range c.items {
		if now.After(item.ExpiresAt) {
			delete(c.items, key)
		}
	}
}

// StartCleanupTicker запускает таймер для периодической очистки просроченных элементов
func (c *TTLCache[K, V]) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CleanupExpired()
			}
		}
	}()
}
