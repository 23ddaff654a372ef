package services

import (
	"cmp"
	"slices"
	"unicode/utf16"

	"chat-archiver/internal/domain"
	"chat-archiver/internal/pkg/markdown"
)

// DefaultUserName подставляется, когда источник не сообщает имя участника.
const DefaultUserName = "Unknown user"

// MentionToken возвращает каноничный маркер упоминания сущности.
func MentionToken(entityID string) string {
	return "<@" + entityID + ">"
}

// NormalizeMessage преобразует "сырое" сообщение в пакет записи.
// Функция чистая: не выполняет ввода-вывода.
func NormalizeMessage(msg domain.Message, channelID string) domain.WriteBatch {
	senderName := msg.Sender.Name
	if senderName == "" {
		senderName = DefaultUserName
	}

	batch := domain.WriteBatch{
		Users: []domain.UserRow{{ID: msg.Sender.ID, Name: senderName}},
		Message: &domain.MessageRow{
			ID:                msg.ID,
			SenderID:          msg.Sender.ID,
			ChannelID:         channelID,
			Text:              messageText(msg),
			TimestampMs:       msg.TimestampMs,
			UnsentTimestampMs: msg.UnsentTimestamp,
		},
	}

	// Ответ на полностью удаленное сообщение не имеет цели.
	if r := msg.RepliedTo; r != nil && r.HasContent && r.MessageID != "" {
		batch.ReplyEdge = &domain.ReplyEdge{MessageID: msg.ID, RepliedToID: r.MessageID}
	}

	batch.Reactions = aggregateReactions(msg.ID, msg.Reactions)
	return batch
}

// messageText возвращает текст сообщения для хранилища.
func messageText(msg domain.Message) string {
	if !msg.IsUserGenerated {
		// У системных сообщений нет текста, только краткое описание события.
		return "*" + msg.Snippet + "*"
	}
	if !msg.HasText {
		return ""
	}
	return markdown.Escape(substituteMentions(msg.Text, msg.Ranges))
}

// substituteMentions заменяет диапазоны упоминаний маркерами.
// Диапазоны задаются в UTF-16 и применяются с конца, чтобы замены
// не сдвигали смещения еще не обработанных диапазонов.
func substituteMentions(text string, ranges []domain.MentionRange) string {
	if len(ranges) == 0 {
		return text
	}

	ordered := make([]domain.MentionRange, 0, len(ranges))
	for _, r := range ranges {
		if r.EntityID == "" {
			continue
		}
		ordered = append(ordered, r)
	}
	slices.SortFunc(ordered, func(a, b domain.MentionRange) int {
		return cmp.Compare(b.Offset, a.Offset)
	})

	units := utf16.Encode([]rune(text))
	for _, r := range ordered {
		start := clamp(r.Offset, 0, len(units))
		end := clamp(r.Offset+r.Length, start, len(units))
		token := utf16.Encode([]rune(MentionToken(r.EntityID)))

		replaced := make([]uint16, 0, len(units)-(end-start)+len(token))
		replaced = append(replaced, units[:start]...)
		replaced = append(replaced, token...)
		replaced = append(replaced, units[end:]...)
		units = replaced
	}
	return string(utf16.Decode(units))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// aggregateReactions считает реакции по эмодзи через явную карту,
// поэтому порядок входного списка не важен.
func aggregateReactions(messageID string, reactions []domain.Reaction) []domain.ReactionRow {
	if len(reactions) == 0 {
		return nil
	}

	counts := make(map[string]int, len(reactions))
	order := make([]string, 0, len(reactions))
	for _, r := range reactions {
		if _, seen := counts[r.Emoji]; !seen {
			order = append(order, r.Emoji)
		}
		counts[r.Emoji]++
	}

	rows := make([]domain.ReactionRow, 0, len(order))
	for _, emoji := range order {
		rows = append(rows, domain.ReactionRow{MessageID: messageID, Emoji: emoji, Count: counts[emoji]})
	}
	return rows
}
