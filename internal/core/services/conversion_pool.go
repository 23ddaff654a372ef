package services

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"chat-archiver/internal/domain"
)

// DefaultPoolSize возвращает размер пула конвертации по умолчанию:
// половина от max(NumCPU-1, 2), но не меньше одного воркера.
func DefaultPoolSize() int {
	return max(max(runtime.NumCPU()-1, 2)/2, 1)
}

// ConversionPool параллельно загружает вложения сообщений и передает
// готовые строки писателю.
type ConversionPool struct {
	base
	resolver *Resolver
	size     int
}

// NewConversionPool создает пул из size воркеров. size <= 0 означает размер по умолчанию.
func NewConversionPool(resolver *Resolver, size int, opts ...Option) *ConversionPool {
	if size <= 0 {
		size = DefaultPoolSize()
	}
	return &ConversionPool{base: newBase(opts), resolver: resolver, size: size}
}

// Size возвращает число воркеров.
func (p *ConversionPool) Size() int {
	return p.size
}

// Run обрабатывает сообщения из in, пока канал не закрыт, и возвращается,
// когда все воркеры завершились. Ошибки загрузки отдельных вложений
// не прерывают работу.
func (p *ConversionPool) Run(ctx context.Context, channelID string, index *ResumeIndex, in <-chan domain.Message, out chan<- domain.WriteBatch) error {
	var wg sync.WaitGroup
	errs := make([]error, p.size)

	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			errs[worker] = p.worker(ctx, channelID, index, in, out)
		}(i)
	}

	wg.Wait()
	return errors.Join(errs...)
}

func (p *ConversionPool) worker(ctx context.Context, channelID string, index *ResumeIndex, in <-chan domain.Message, out chan<- domain.WriteBatch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				// Очередь закрыта, работы больше нет.
				return nil
			}
			rows := p.convert(ctx, channelID, index, msg)
			if len(rows) == 0 {
				continue
			}
			if err := send(ctx, out, domain.WriteBatch{Attachments: rows}); err != nil {
				return err
			}
		}
	}
}

// convert загружает все еще не сохраненные вложения сообщения одновременно.
// Порядок строк совпадает с порядком ссылок: сначала стикер, затем вложения.
func (p *ConversionPool) convert(ctx context.Context, channelID string, index *ResumeIndex, msg domain.Message) []domain.AttachmentRow {
	type job func() (*domain.AttachmentRow, error)
	var (
		jobs []job
		ids  []string
	)

	if s := msg.Sticker; s != nil && (index == nil || !index.HasAttachment(s.ID)) {
		ref := *s
		ids = append(ids, ref.ID)
		jobs = append(jobs, func() (*domain.AttachmentRow, error) {
			return p.resolver.ResolveSticker(ctx, msg.ID, ref)
		})
	}
	for _, a := range msg.Attachments {
		if index != nil && index.HasAttachment(a.ID) {
			continue
		}
		att := a
		ids = append(ids, att.ID)
		jobs = append(jobs, func() (*domain.AttachmentRow, error) {
			return p.resolver.ResolveAttachment(ctx, channelID, msg.ID, att)
		})
	}
	if len(jobs) == 0 {
		return nil
	}

	results := make([]*domain.AttachmentRow, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			row, err := j()
			if err != nil {
				p.logFailure(ctx, msg.ID, ids[i], err)
				return
			}
			results[i] = row
		}()
	}
	wg.Wait()

	rows := make([]domain.AttachmentRow, 0, len(results))
	for _, r := range results {
		if r != nil {
			rows = append(rows, *r)
		}
	}
	return rows
}

func (p *ConversionPool) logFailure(ctx context.Context, messageID, attachmentID string, err error) {
	if ctx.Err() != nil {
		return
	}
	args := []any{"message_id", messageID, "attachment_id", attachmentID, "error", err}
	switch {
	case errors.Is(err, ErrUnsupportedAttachment), errors.Is(err, ErrStickerNotFound):
		p.log.WarnContext(ctx, "Skipping attachment", args...)
	default:
		p.log.WarnContext(ctx, "Failed to re-host attachment, dropping", args...)
	}
}
