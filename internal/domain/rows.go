package domain

// Типы строк хранилища. Производятся нормализацией и пулом конвертации,
// применяются только писателем.

// ChannelRow соответствует строке таблицы channels.
type ChannelRow struct {
	ID   string
	Name string
}

// UserRow соответствует строке таблицы users.
type UserRow struct {
	ID        string
	Name      string
	AvatarURL *string
}

// MessageRow соответствует строке таблицы messages.
type MessageRow struct {
	ID                string
	SenderID          string
	ChannelID         string
	Text              string
	TimestampMs       int64
	UnsentTimestampMs *int64
}

// ReplyEdge соответствует строке таблицы replied_to.
type ReplyEdge struct {
	MessageID   string
	RepliedToID string
}

// StoredAttachmentType — тип вложения в хранилище.
type StoredAttachmentType string

const (
	StoredImage     StoredAttachmentType = "image"
	StoredGIF       StoredAttachmentType = "gif"
	StoredVideo     StoredAttachmentType = "video"
	StoredAudioClip StoredAttachmentType = "audioclip"
	StoredFile      StoredAttachmentType = "file"
	StoredSticker   StoredAttachmentType = "sticker"
)

// AttachmentRow соответствует строке таблицы attachments.
type AttachmentRow struct {
	ID        string
	MessageID string
	Name      string
	Type      StoredAttachmentType
	URL       string
	Width     *int
	Height    *int
}

// ReactionRow соответствует строке таблицы reactions.
type ReactionRow struct {
	MessageID string
	Emoji     string
	Count     int
}

// WriteBatch — неизменяемый набор опциональных секций для писателя.
// Писатель применяет секции в фиксированном порядке: Users, Message,
// ReplyEdge, Attachments, Reactions.
type WriteBatch struct {
	Users       []UserRow
	Message     *MessageRow
	ReplyEdge   *ReplyEdge
	Attachments []AttachmentRow
	Reactions   []ReactionRow
}

// Empty сообщает, что в пакете нет ни одной строки.
func (b WriteBatch) Empty() bool {
	return len(b.Users) == 0 && b.Message == nil && b.ReplyEdge == nil &&
		len(b.Attachments) == 0 && len(b.Reactions) == 0
}

// HostedFile — результат повторной загрузки файла на внешний хостинг.
type HostedFile struct {
	Name string
	URL  string
}
