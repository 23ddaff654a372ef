package services

import (
	"context"
	"fmt"
	"time"

	"chat-archiver/internal/domain"
	"chat-archiver/internal/pkg/retry"
	"chat-archiver/internal/ports"
)

const (
	// DefaultPageSize — число сообщений, запрашиваемых за один вызов.
	DefaultPageSize = 95
	// DefaultRateLimitWait — пауза после ограничения частоты со стороны источника.
	DefaultRateLimitWait = 300 * time.Second
)

// PaginatorConfig хранит настройки Paginator.
type PaginatorConfig struct {
	PageSize      int
	RateLimitWait time.Duration
}

// Sink — куда Paginator отправляет результаты страницы.
type Sink struct {
	Index    *ResumeIndex
	Writer   chan<- domain.WriteBatch
	Pool     chan<- domain.Message // nil, если повторная загрузка выключена
	Progress *Progress
}

// Paginator проходит историю канала от текущего момента назад.
type Paginator struct {
	base
	source ports.MessageSource
	config PaginatorConfig
}

// NewPaginator создает Paginator. Нулевые поля cfg заменяются значениями по умолчанию.
func NewPaginator(source ports.MessageSource, cfg PaginatorConfig, opts ...Option) *Paginator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.RateLimitWait <= 0 {
		cfg.RateLimitWait = DefaultRateLimitWait
	}
	return &Paginator{base: newBase(opts), source: source, config: cfg}
}

// Run выбирает страницы, пока история не закончится.
// Ошибка возвращается только для фатальных ситуаций канала.
func (p *Paginator) Run(ctx context.Context, channelID string, sink Sink) error {
	log := p.log.With("channel_id", channelID)
	cursor := p.now().UnixMilli()

	for {
		page, err := p.fetch(ctx, channelID, cursor)
		if err != nil {
			return fmt.Errorf("fetch messages before %d: %w", cursor, err)
		}
		if sink.Progress != nil {
			sink.Progress.AddPage()
		}

		if len(page) == 0 {
			log.InfoContext(ctx, "Reached the beginning of the history")
			return nil
		}

		oldest := page[0].TimestampMs
		for _, msg := range page {
			oldest = min(oldest, msg.TimestampMs)

			if sink.Index == nil || !sink.Index.HasMessage(msg.ID) {
				if err := send(ctx, sink.Writer, NormalizeMessage(msg, channelID)); err != nil {
					return err
				}
			}
			// Сообщение могло сохраниться раньше, чем его вложения.
			if sink.Pool != nil && msg.HasAttachments() {
				if err := send(ctx, sink.Pool, msg); err != nil {
					return err
				}
			}
		}

		next := oldest - 1
		if next >= cursor {
			log.WarnContext(ctx, "Cursor did not advance, stopping", "cursor", cursor, "oldest", oldest)
			return nil
		}
		log.DebugContext(ctx, "Page processed", "messages", len(page), "cursor", next)
		cursor = next
	}
}

// fetch запрашивает страницу, пережидая ограничение частоты без ограничения
// числа попыток. Остальные ошибки не повторяются.
func (p *Paginator) fetch(ctx context.Context, channelID string, before int64) ([]domain.Message, error) {
	var page []domain.Message
	op := func() error {
		msgs, err := p.source.FetchMessages(ctx, channelID, before, p.config.PageSize)
		if err != nil {
			if domain.IsRateLimit(err) {
				return err
			}
			return retry.Permanent(err)
		}
		page = msgs
		return nil
	}
	notify := func(err error, wait time.Duration) {
		p.log.WarnContext(ctx, "Message source rate limit, waiting",
			"channel_id", channelID, "wait", wait, "error", err)
	}
	if err := retry.Do(ctx, retry.Fixed(p.config.RateLimitWait).NewBackOff(), op, notify, p.timers); err != nil {
		return nil, err
	}
	return page, nil
}
