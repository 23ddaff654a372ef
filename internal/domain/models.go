package domain

import (
	"errors"
	"fmt"
)

// RateLimitCode — код ошибки источника, означающий превышение квоты запросов.
const RateLimitCode = "1675004"

// ErrRateLimited возвращается источником сообщений, когда он требует паузы.
var ErrRateLimited = errors.New("message source rate limit exceeded")

// ResponseError — корректно сформированный ответ источника с кодом ошибки.
type ResponseError struct {
	Code    string
	Subcode string
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("source response error %s: %s", e.CodeString(), e.Message)
	}
	return fmt.Sprintf("source response error %s", e.CodeString())
}

// CodeString возвращает код в виде "code.subcode" или просто "code".
func (e *ResponseError) CodeString() string {
	if e.Subcode != "" {
		return e.Code + "." + e.Subcode
	}
	return e.Code
}

// IsRateLimit сообщает, означает ли ошибка источника ограничение частоты запросов.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return respErr.CodeString() == RateLimitCode
	}
	return false
}

// AttachmentType — тип вложения во внешнем источнике.
type AttachmentType string

const (
	AttachmentImage         AttachmentType = "MessageImage"
	AttachmentAnimatedImage AttachmentType = "MessageAnimatedImage"
	AttachmentAudio         AttachmentType = "MessageAudio"
	AttachmentVideo         AttachmentType = "MessageVideo"
	AttachmentFile          AttachmentType = "MessageFile"
)

// Dimensions хранит размеры изображения в пикселях.
type Dimensions struct {
	Width  int
	Height int
}

// Larger сообщает, больше ли d, чем other (сравнение по ширине, затем по высоте).
func (d Dimensions) Larger(other Dimensions) bool {
	if d.Width != other.Width {
		return d.Width > other.Width
	}
	return d.Height > other.Height
}

// Image — одна из версий изображения, доступная по URL.
type Image struct {
	URI      string
	MimeType string // может быть пустым
	Dimensions
}

// Attachment — ссылка на вложение внутри сообщения.
type Attachment struct {
	ID           string
	AttachmentID string // идентификатор для отдельных запросов URL
	Type         AttachmentType
	Filename     string
	MimeType     string

	// Для изображений и анимаций.
	FullScreen         *Image
	OriginalDimensions Dimensions

	// Для аудио и видео.
	PlayableURL string
}

// StickerRef — минимальная ссылка на стикер в сообщении.
type StickerRef struct {
	ID string
}

// Sticker — полные метаданные стикера.
type Sticker struct {
	ID            string
	AnimatedImage *Image
	StaticImage   *Image
}

// Reaction описывает одну реакцию одного участника.
type Reaction struct {
	Emoji string
}

// MentionRange — упоминание сущности в тексте сообщения.
// Offset и Length задаются в UTF-16 кодовых единицах.
type MentionRange struct {
	Offset   int
	Length   int
	EntityID string
}

// Sender — автор сообщения в том виде, в каком его отдает источник.
type Sender struct {
	ID   string
	Name string
}

// RepliedTo — сообщение, на которое отвечают. HasContent = false,
// если исходное сообщение полностью удалено.
type RepliedTo struct {
	MessageID  string
	HasContent bool
}

// Message — "сырое" сообщение из истории канала.
type Message struct {
	ID              string
	Sender          Sender
	TimestampMs     int64
	UnsentTimestamp *int64
	IsUserGenerated bool
	Snippet         string
	Text            string
	HasText         bool
	Ranges          []MentionRange
	RepliedTo       *RepliedTo
	Reactions       []Reaction
	Sticker         *StickerRef
	Attachments     []Attachment
}

// HasAttachments сообщает, есть ли у сообщения вложения или стикер.
func (m Message) HasAttachments() bool {
	return m.Sticker != nil || len(m.Attachments) > 0
}

// Participant описывает участника канала из метаданных.
type Participant struct {
	ID        string
	Name      string
	AvatarURL string // исходный URL аватара в источнике, может быть пустым
}

// ThreadInfo содержит метаданные канала.
type ThreadInfo struct {
	ID            string // каноничный идентификатор
	Name          string
	Participants  []Participant
	MessagesCount int64
}
