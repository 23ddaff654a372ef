package services

import (
	"context"
	"errors"
	"fmt"

	"chat-archiver/internal/domain"
	"chat-archiver/internal/ports"
)

// ErrStoreFailed оборачивает любые ошибки хранилища. Такие ошибки фатальны
// для всего запуска.
var ErrStoreFailed = errors.New("store failure")

// Writer — единственный компонент, изменяющий хранилище во время архивации канала.
type Writer struct {
	base
	store ports.Store
}

// NewWriter создает Writer.
func NewWriter(store ports.Store, opts ...Option) *Writer {
	return &Writer{base: newBase(opts), store: store}
}

// Run применяет пакеты из in по одному в порядке поступления, пока канал не закрыт.
// Каждый пакет записывается одной транзакцией.
func (w *Writer) Run(ctx context.Context, in <-chan domain.WriteBatch, progress *Progress) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-in:
			if !ok {
				return nil
			}
			if batch.Empty() {
				continue
			}
			if err := w.store.ApplyBatch(ctx, batch); err != nil {
				w.log.ErrorContext(ctx, "Failed to persist batch", "error", err)
				return fmt.Errorf("%w: %w", ErrStoreFailed, err)
			}
			if progress != nil {
				if batch.Message != nil {
					progress.AddMessages(1)
				}
				progress.AddAttachments(int64(len(batch.Attachments)))
			}
		}
	}
}
