package ports

import (
	"context"
	"io"

	"chat-archiver/internal/domain"
)

// MessageSource определяет границу с удаленным сервисом сообщений.
// Реализация должна быть безопасна для одновременного использования.
type MessageSource interface {
	// FetchThreadInfo возвращает метаданные канала или nil, если канал не найден.
	FetchThreadInfo(ctx context.Context, channelID string) (*domain.ThreadInfo, error)
	// FetchMessages возвращает до pageSize сообщений строго раньше beforeMs.
	FetchMessages(ctx context.Context, channelID string, beforeMs int64, pageSize int) ([]domain.Message, error)
	FetchStickers(ctx context.Context, ids []string) ([]domain.Sticker, error)
	GetImageURL(ctx context.Context, messageID, attachmentID string) (string, error)
	GetFileURL(ctx context.Context, channelID, messageID, attachmentID string) (string, error)
	Downloader
}

// Downloader выполняет "сырой" аутентифицированный GET бинарных данных.
type Downloader interface {
	// Open открывает поток по url. size — объявленная длина, -1 если неизвестна.
	Open(ctx context.Context, url, referer string) (body io.ReadCloser, size int64, err error)
}

// Uploader повторно размещает файлы на внешнем хостинге.
type Uploader interface {
	Reupload(ctx context.Context, url, filename, target, referer string) (*domain.HostedFile, error)
	Upload(ctx context.Context, data []byte, filename, target string) (*domain.HostedFile, error)
}

// Store — встроенное реляционное хранилище.
type Store interface {
	UpsertChannel(ctx context.Context, ch domain.ChannelRow) error
	UpsertParticipants(ctx context.Context, users []domain.UserRow) error
	ApplyBatch(ctx context.Context, batch domain.WriteBatch) error
	MessageIDs(ctx context.Context, channelID string) ([]string, error)
	AttachmentIDs(ctx context.Context) ([]string, error)
}

// Strategy определяет стратегию выбора одного элемента из набора
// (клиента Telegram, цели загрузки).
type Strategy[T any] interface {
	Next(items []T) (T, error)
}

// Counters возвращает текущие значения счетчиков запуска.
type Counters func() (messages, attachments int64)

// RunRegistry отслеживает запуски архивации каналов.
type RunRegistry interface {
	// Create регистрирует запуск со статусом pending и возвращает его идентификатор.
	Create(channelID string) string
	Processing(runID string, counters Counters) error
	Complete(runID string) error
	Fail(runID string, reason error) error
}
