package upload

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

const (
	headerResetAfter = "X-Ratelimit-Reset-After"
	headerReset      = "X-Ratelimit-Reset"
)

// rateLimitDelay вычисляет паузу до следующей попытки по заголовкам ответа:
// X-Ratelimit-Reset-After в секундах, иначе X-Ratelimit-Reset (epoch) минус now,
// иначе fallback.
func rateLimitDelay(h http.Header, now time.Time, fallback time.Duration) time.Duration {
	if v := h.Get(headerResetAfter); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return secondsToDuration(secs)
		}
	}
	if v := h.Get(headerReset); v != "" {
		if epoch, err := strconv.ParseFloat(v, 64); err == nil {
			sec, frac := math.Modf(epoch)
			reset := time.Unix(int64(sec), int64(frac*float64(time.Second)))
			return reset.Sub(now)
		}
	}
	return fallback
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
