package tgsource

import (
	"strconv"
	"strings"

	"github.com/gotd/td/tg"

	"chat-archiver/internal/domain"
)

// fullScreenLimit — максимальная сторона версии фото, которая считается
// "полноэкранной"; более крупные версии считаются оригиналом.
const fullScreenLimit = 1280

// page — результат конвертации одной страницы истории.
type page struct {
	messages []domain.Message
	oldestID int

	stickers  map[string]domain.Sticker
	originals map[string]string // "<message>/<attachment>" -> URL оригинала фото
	files     map[string]string // "<message>/<attachment>" -> URL файла
}

// converter переводит сущности MTProto в доменную модель.
type converter struct {
	channelID int64
	clientID  string
	users     map[int64]*tg.User
	channels  map[int64]*tg.Channel
}

func newConverter(channelID int64, clientID string, users []tg.UserClass, chats []tg.ChatClass) *converter {
	c := &converter{
		channelID: channelID,
		clientID:  clientID,
		users:     make(map[int64]*tg.User, len(users)),
		channels:  make(map[int64]*tg.Channel, len(chats)),
	}
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			c.users[user.ID] = user
		}
	}
	for _, ch := range chats {
		if channel, ok := ch.(*tg.Channel); ok {
			c.channels[channel.ID] = channel
		}
	}
	return c
}

// messageKey строит глобально уникальный ID: номера сообщений Telegram
// уникальны только внутри канала.
func messageKey(channelID int64, msgID int) string {
	return strconv.FormatInt(channelID, 10) + "_" + strconv.Itoa(msgID)
}

func (c *converter) convertPage(list []tg.MessageClass) page {
	p := page{
		stickers:  make(map[string]domain.Sticker),
		originals: make(map[string]string),
		files:     make(map[string]string),
	}
	for _, raw := range list {
		var msg domain.Message
		var id int
		switch m := raw.(type) {
		case *tg.Message:
			msg, id = c.message(m, &p), m.ID
		case *tg.MessageService:
			msg, id = c.service(m), m.ID
		default:
			continue
		}
		if p.oldestID == 0 || id < p.oldestID {
			p.oldestID = id
		}
		p.messages = append(p.messages, msg)
	}
	return p
}

func (c *converter) message(m *tg.Message, p *page) domain.Message {
	key := messageKey(c.channelID, m.ID)
	msg := domain.Message{
		ID:              key,
		Sender:          c.sender(m.FromID),
		TimestampMs:     int64(m.Date) * 1000,
		IsUserGenerated: true,
		Text:            m.Message,
		HasText:         m.Message != "",
		Ranges:          mentionRanges(m.Entities),
		RepliedTo:       c.repliedTo(m.ReplyTo),
		Reactions:       reactions(m.Reactions),
	}

	switch media := m.Media.(type) {
	case *tg.MessageMediaPhoto:
		if photo, ok := media.Photo.(*tg.Photo); ok {
			att := c.photo(key, photo, p)
			msg.Attachments = append(msg.Attachments, att)
		}
	case *tg.MessageMediaDocument:
		if doc, ok := media.Document.(*tg.Document); ok {
			att, sticker := c.document(key, doc, p)
			if sticker != nil {
				msg.Sticker = sticker
			} else if att != nil {
				msg.Attachments = append(msg.Attachments, *att)
			}
		}
	}
	return msg
}

func (c *converter) service(m *tg.MessageService) domain.Message {
	return domain.Message{
		ID:          messageKey(c.channelID, m.ID),
		Sender:      c.sender(m.FromID),
		TimestampMs: int64(m.Date) * 1000,
		Snippet:     describeAction(m.Action),
		RepliedTo:   c.repliedTo(m.ReplyTo),
	}
}

// sender определяет автора. Посты каналов без from_id подписаны самим каналом.
func (c *converter) sender(from tg.PeerClass) domain.Sender {
	switch peer := from.(type) {
	case *tg.PeerUser:
		s := domain.Sender{ID: strconv.FormatInt(peer.UserID, 10)}
		if u, ok := c.users[peer.UserID]; ok {
			s.Name = userName(u)
		}
		return s
	case *tg.PeerChannel:
		s := domain.Sender{ID: strconv.FormatInt(peer.ChannelID, 10)}
		if ch, ok := c.channels[peer.ChannelID]; ok {
			s.Name = ch.Title
		}
		return s
	}
	s := domain.Sender{ID: strconv.FormatInt(c.channelID, 10)}
	if ch, ok := c.channels[c.channelID]; ok {
		s.Name = ch.Title
	}
	return s
}

func (c *converter) repliedTo(h tg.MessageReplyHeaderClass) *domain.RepliedTo {
	header, ok := h.(*tg.MessageReplyHeader)
	if !ok {
		return nil
	}
	id, ok := header.GetReplyToMsgID()
	if !ok {
		return nil
	}
	// Telegram не сообщает, удалено ли исходное сообщение.
	return &domain.RepliedTo{MessageID: messageKey(c.channelID, id), HasContent: true}
}

func userName(u *tg.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

func mentionRanges(entities []tg.MessageEntityClass) []domain.MentionRange {
	var ranges []domain.MentionRange
	for _, e := range entities {
		if m, ok := e.(*tg.MessageEntityMentionName); ok {
			ranges = append(ranges, domain.MentionRange{
				Offset:   m.Offset,
				Length:   m.Length,
				EntityID: strconv.FormatInt(m.UserID, 10),
			})
		}
	}
	return ranges
}

// reactions разворачивает агрегированные счетчики в отдельные реакции.
func reactions(r tg.MessageReactions) []domain.Reaction {
	var out []domain.Reaction
	for _, count := range r.Results {
		emoji := reactionEmoji(count.Reaction)
		for i := 0; i < count.Count; i++ {
			out = append(out, domain.Reaction{Emoji: emoji})
		}
	}
	return out
}

func reactionEmoji(r tg.ReactionClass) string {
	switch v := r.(type) {
	case *tg.ReactionEmoji:
		return v.Emoticon
	case *tg.ReactionCustomEmoji:
		return "custom:" + strconv.FormatInt(v.DocumentID, 10)
	case *tg.ReactionPaid:
		return "⭐"
	}
	return "?"
}

func describeAction(a tg.MessageActionClass) string {
	switch v := a.(type) {
	case *tg.MessageActionChatCreate:
		return "created the group " + v.Title
	case *tg.MessageActionChannelCreate:
		return "created the channel " + v.Title
	case *tg.MessageActionChatEditTitle:
		return "changed the name to " + v.Title
	case *tg.MessageActionChatEditPhoto:
		return "changed the photo"
	case *tg.MessageActionChatDeletePhoto:
		return "removed the photo"
	case *tg.MessageActionChatAddUser:
		return "added members"
	case *tg.MessageActionChatJoinedByLink, *tg.MessageActionChatJoinedByRequest:
		return "joined the group"
	case *tg.MessageActionChatDeleteUser:
		return "removed a member"
	case *tg.MessageActionPinMessage:
		return "pinned a message"
	case nil:
		return "service message"
	}
	return strings.TrimPrefix(a.TypeName(), "messageAction")
}

type photoSize struct {
	typ string
	domain.Dimensions
	size int64
}

func photoSizes(sizes []tg.PhotoSizeClass) []photoSize {
	out := make([]photoSize, 0, len(sizes))
	for _, s := range sizes {
		switch v := s.(type) {
		case *tg.PhotoSize:
			out = append(out, photoSize{v.Type, domain.Dimensions{Width: v.W, Height: v.H}, int64(v.Size)})
		case *tg.PhotoSizeProgressive:
			var size int64
			if n := len(v.Sizes); n > 0 {
				size = int64(v.Sizes[n-1])
			}
			out = append(out, photoSize{v.Type, domain.Dimensions{Width: v.W, Height: v.H}, size})
		}
	}
	return out
}

func (c *converter) photo(key string, photo *tg.Photo, p *page) domain.Attachment {
	id := strconv.FormatInt(photo.ID, 10)
	att := domain.Attachment{
		ID:           key + "_" + id,
		AttachmentID: id,
		Type:         domain.AttachmentImage,
		Filename:     "photo_" + id + ".jpg",
		MimeType:     "image/jpeg",
	}

	var original, inline *photoSize
	for _, s := range photoSizes(photo.Sizes) {
		if original == nil || s.Larger(original.Dimensions) {
			original = &s
		}
		if max(s.Width, s.Height) <= fullScreenLimit && (inline == nil || s.Larger(inline.Dimensions)) {
			inline = &s
		}
	}
	if original == nil {
		return att
	}
	if inline == nil {
		inline = original
	}

	loc := func(s *photoSize) string {
		return fileLocation{
			Kind:          kindPhoto,
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			Thumb:         s.typ,
			Size:          s.size,
			ClientID:      c.clientID,
		}.URL()
	}
	att.FullScreen = &domain.Image{URI: loc(inline), Dimensions: inline.Dimensions}
	att.OriginalDimensions = original.Dimensions
	p.originals[key+"/"+id] = loc(original)
	return att
}

type documentAttrs struct {
	filename string
	dims     domain.Dimensions
	sticker  bool
	animated bool
	video    bool
	audio    bool
}

func parseDocumentAttrs(attrs []tg.DocumentAttributeClass) documentAttrs {
	var d documentAttrs
	for _, a := range attrs {
		switch v := a.(type) {
		case *tg.DocumentAttributeFilename:
			d.filename = v.FileName
		case *tg.DocumentAttributeImageSize:
			d.dims = domain.Dimensions{Width: v.W, Height: v.H}
		case *tg.DocumentAttributeVideo:
			d.video = true
			d.dims = domain.Dimensions{Width: v.W, Height: v.H}
		case *tg.DocumentAttributeAudio:
			d.audio = true
		case *tg.DocumentAttributeAnimated:
			d.animated = true
		case *tg.DocumentAttributeSticker:
			d.sticker = true
		}
	}
	return d
}

func (c *converter) document(key string, doc *tg.Document, p *page) (*domain.Attachment, *domain.StickerRef) {
	id := strconv.FormatInt(doc.ID, 10)
	attrs := parseDocumentAttrs(doc.Attributes)
	url := fileLocation{
		Kind:          kindDocument,
		ID:            doc.ID,
		AccessHash:    doc.AccessHash,
		FileReference: doc.FileReference,
		Size:          doc.Size,
		ClientID:      c.clientID,
	}.URL()

	if attrs.sticker {
		img := &domain.Image{URI: url, MimeType: doc.MimeType, Dimensions: attrs.dims}
		sticker := domain.Sticker{ID: id}
		switch doc.MimeType {
		case "video/webm", "application/x-tgsticker":
			sticker.AnimatedImage = img
		default:
			sticker.StaticImage = img
		}
		p.stickers[id] = sticker
		return nil, &domain.StickerRef{ID: id}
	}

	att := &domain.Attachment{
		ID:           key + "_" + id,
		AttachmentID: id,
		Filename:     attrs.filename,
		MimeType:     doc.MimeType,
	}
	if att.Filename == "" {
		att.Filename = "file_" + id
	}

	switch {
	case attrs.animated:
		att.Type = domain.AttachmentAnimatedImage
		att.FullScreen = &domain.Image{URI: url, Dimensions: attrs.dims}
		att.OriginalDimensions = attrs.dims
	case attrs.video:
		att.Type = domain.AttachmentVideo
		att.PlayableURL = url
	case attrs.audio:
		att.Type = domain.AttachmentAudio
		att.PlayableURL = url
	case strings.HasPrefix(doc.MimeType, "image/") && attrs.dims.Width > 0:
		att.Type = domain.AttachmentImage
		att.FullScreen = &domain.Image{URI: url, Dimensions: attrs.dims}
		att.OriginalDimensions = attrs.dims
	default:
		att.Type = domain.AttachmentFile
		p.files[key+"/"+id] = url
	}
	return att, nil
}

// avatarURL возвращает ссылку на большой аватар пользователя или пустую строку.
func avatarURL(u *tg.User, clientID string) string {
	photo, ok := u.Photo.(*tg.UserProfilePhoto)
	if !ok {
		return ""
	}
	hash, _ := u.GetAccessHash()
	return fileLocation{
		Kind:     kindPeerPhoto,
		ID:       photo.PhotoID,
		ClientID: clientID,
		PeerKind: peerUser,
		PeerID:   u.ID,
		PeerHash: hash,
	}.URL()
}

func participant(u *tg.User, clientID string) domain.Participant {
	return domain.Participant{
		ID:        strconv.FormatInt(u.ID, 10),
		Name:      userName(u),
		AvatarURL: avatarURL(u, clientID),
	}
}

