package services

import (
	"context"
	"fmt"

	"chat-archiver/internal/ports"
)

// ResumeIndex — снимок уже сохраненных идентификаторов сообщений канала
// и вложений. Загружается один раз за канал и далее только читается.
type ResumeIndex struct {
	messages    map[string]struct{}
	attachments map[string]struct{}
}

// LoadResumeIndex читает идентификаторы из хранилища.
// Идентификаторы вложений загружаются только при включенной повторной загрузке.
func LoadResumeIndex(ctx context.Context, store ports.Store, channelID string, withAttachments bool) (*ResumeIndex, error) {
	msgIDs, err := store.MessageIDs(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("load message ids: %w", err)
	}
	idx := &ResumeIndex{
		messages:    toSet(msgIDs),
		attachments: map[string]struct{}{},
	}

	if withAttachments {
		attIDs, err := store.AttachmentIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("load attachment ids: %w", err)
		}
		idx.attachments = toSet(attIDs)
	}
	return idx, nil
}

// NewResumeIndex строит индекс из готовых списков.
func NewResumeIndex(messageIDs, attachmentIDs []string) *ResumeIndex {
	return &ResumeIndex{messages: toSet(messageIDs), attachments: toSet(attachmentIDs)}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// HasMessage сообщает, сохранено ли сообщение.
func (r *ResumeIndex) HasMessage(id string) bool {
	_, ok := r.messages[id]
	return ok
}

// HasAttachment сообщает, сохранено ли вложение.
func (r *ResumeIndex) HasAttachment(id string) bool {
	_, ok := r.attachments[id]
	return ok
}

// Messages возвращает число сохраненных сообщений канала.
func (r *ResumeIndex) Messages() int {
	return len(r.messages)
}

// Attachments возвращает число сохраненных вложений.
func (r *ResumeIndex) Attachments() int {
	return len(r.attachments)
}
