package ports

import (
	"context"

	"github.com/gotd/td/tg"
)

// TelegramClient определяет контракт клиента MTProto, используемого адаптером источника.
type TelegramClient interface {
	ID() string
	Start(ctx context.Context)
	Health(ctx context.Context) error

	ContactsResolveUsername(ctx context.Context, req *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error)
	ChannelsGetFullChannel(ctx context.Context, channel tg.InputChannelClass) (*tg.MessagesChatFull, error)
	ChannelsGetParticipants(ctx context.Context, req *tg.ChannelsGetParticipantsRequest) (tg.ChannelsChannelParticipantsClass, error)
	MessagesGetHistory(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	UploadGetFile(ctx context.Context, req *tg.UploadGetFileRequest) (tg.UploadFileClass, error)
}

// TelegramRouter выдает работоспособных клиентов из пула аккаунтов.
type TelegramRouter interface {
	GetClient(ctx context.Context) (TelegramClient, error)
	// Lookup возвращает клиента по идентификатору вне зависимости от стратегии.
	Lookup(id string) (TelegramClient, error)
}
