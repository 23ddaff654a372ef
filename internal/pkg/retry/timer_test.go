package retry

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// instantTimer срабатывает сразу и запоминает запрошенные паузы.
type instantTimer struct {
	mu    sync.Mutex
	c     chan time.Time
	waits []time.Duration
}

func newInstantTimer() *instantTimer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.waits = append(t.waits, d)
	t.mu.Unlock()
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func (t *instantTimer) Waits() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.waits...)
}

func (t *instantTimer) factory() TimerFactory {
	return func() backoff.Timer { return t }
}
