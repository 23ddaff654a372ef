package tgsource

import (
	"strconv"
	"testing"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-archiver/internal/domain"
)

func TestConverter_Message(t *testing.T) {
	c := newConverter(1001, "acc-1",
		[]tg.UserClass{&tg.User{ID: 5, FirstName: "Alice"}, &tg.User{ID: 6, Username: "bob"}},
		[]tg.ChatClass{&tg.Channel{ID: 1001, Title: "Archive me"}},
	)

	reply := &tg.MessageReplyHeader{}
	reply.SetReplyToMsgID(40)

	pg := c.convertPage([]tg.MessageClass{
		&tg.Message{
			ID:      42,
			Date:    100,
			FromID:  &tg.PeerUser{UserID: 6},
			Message: "hi 👋 Alice!",
			Entities: []tg.MessageEntityClass{
				&tg.MessageEntityBold{Offset: 0, Length: 2},
				&tg.MessageEntityMentionName{Offset: 6, Length: 5, UserID: 5},
			},
			ReplyTo: reply,
			Reactions: tg.MessageReactions{
				Results: []tg.ReactionCount{
					{Reaction: &tg.ReactionEmoji{Emoticon: "😀"}, Count: 3},
					{Reaction: &tg.ReactionEmoji{Emoticon: "❤"}, Count: 1},
				},
				RecentReactions: []tg.MessagePeerReaction{
					{PeerID: &tg.PeerUser{UserID: 5}, Reaction: &tg.ReactionEmoji{Emoticon: "❤"}},
				},
			},
		},
		&tg.MessageService{ID: 41, Date: 90, Action: &tg.MessageActionPinMessage{}},
		&tg.MessageEmpty{ID: 39},
	})

	require.Len(t, pg.messages, 2)
	assert.Equal(t, 41, pg.oldestID)

	m := pg.messages[0]
	assert.Equal(t, "1001_42", m.ID)
	assert.Equal(t, domain.Sender{ID: "6", Name: "bob"}, m.Sender)
	assert.True(t, m.IsUserGenerated)
	assert.True(t, m.HasText)
	assert.Equal(t, []domain.MentionRange{{Offset: 6, Length: 5, EntityID: "5"}}, m.Ranges)
	assert.Equal(t, &domain.RepliedTo{MessageID: "1001_40", HasContent: true}, m.RepliedTo)

	require.Len(t, m.Reactions, 4)
	assert.Equal(t, domain.Reaction{Emoji: "😀"}, m.Reactions[0])
	assert.Equal(t, domain.Reaction{Emoji: "❤"}, m.Reactions[3])

	svc := pg.messages[1]
	assert.False(t, svc.IsUserGenerated)
	assert.Equal(t, "pinned a message", svc.Snippet)
	assert.Equal(t, domain.Sender{ID: "1001", Name: "Archive me"}, svc.Sender)
}

func TestConverter_Documents(t *testing.T) {
	c := newConverter(1, "acc-1", nil, nil)
	pg := page{stickers: map[string]domain.Sticker{}, originals: map[string]string{}, files: map[string]string{}}

	tests := []struct {
		name  string
		doc   *tg.Document
		want  domain.AttachmentType
		check func(t *testing.T, a *domain.Attachment)
	}{
		{
			name: "gif",
			doc: &tg.Document{ID: 1, MimeType: "video/mp4", Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeAnimated{},
				&tg.DocumentAttributeVideo{W: 320, H: 240},
			}},
			want: domain.AttachmentAnimatedImage,
			check: func(t *testing.T, a *domain.Attachment) {
				require.NotNil(t, a.FullScreen)
				assert.Equal(t, domain.Dimensions{Width: 320, Height: 240}, a.OriginalDimensions)
			},
		},
		{
			name: "video",
			doc: &tg.Document{ID: 2, MimeType: "video/mp4", Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeVideo{W: 1920, H: 1080},
				&tg.DocumentAttributeFilename{FileName: "clip.mp4"},
			}},
			want: domain.AttachmentVideo,
			check: func(t *testing.T, a *domain.Attachment) {
				assert.NotEmpty(t, a.PlayableURL)
				assert.Equal(t, "clip.mp4", a.Filename)
			},
		},
		{
			name: "voice",
			doc: &tg.Document{ID: 3, MimeType: "audio/ogg", Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeAudio{Voice: true},
			}},
			want: domain.AttachmentAudio,
			check: func(t *testing.T, a *domain.Attachment) {
				assert.NotEmpty(t, a.PlayableURL)
				assert.Equal(t, "file_3", a.Filename)
			},
		},
		{
			name: "uncompressed image",
			doc: &tg.Document{ID: 4, MimeType: "image/png", Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeImageSize{W: 10, H: 20},
			}},
			want: domain.AttachmentImage,
			check: func(t *testing.T, a *domain.Attachment) {
				require.NotNil(t, a.FullScreen)
				assert.Equal(t, 20, a.FullScreen.Height)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			att, sticker := c.document("1_1", tt.doc, &pg)
			require.Nil(t, sticker)
			require.NotNil(t, att)
			// Идентификатор вложения привязан к сообщению.
			assert.Equal(t, "1_1_"+strconv.FormatInt(tt.doc.ID, 10), att.ID)
			assert.Equal(t, tt.want, att.Type)
			tt.check(t, att)
		})
	}
	assert.Empty(t, pg.files, "only generic files need a separate url lookup")
}

func TestConverter_AnimatedSticker(t *testing.T) {
	c := newConverter(1, "acc-1", nil, nil)
	pg := page{stickers: map[string]domain.Sticker{}, originals: map[string]string{}, files: map[string]string{}}

	att, ref := c.document("1_1", &tg.Document{ID: 77, MimeType: "video/webm", Attributes: []tg.DocumentAttributeClass{
		&tg.DocumentAttributeSticker{Stickerset: &tg.InputStickerSetEmpty{}},
		&tg.DocumentAttributeVideo{W: 512, H: 512},
	}}, &pg)

	assert.Nil(t, att)
	require.NotNil(t, ref)
	assert.Equal(t, "77", ref.ID)
	st := pg.stickers["77"]
	require.NotNil(t, st.AnimatedImage)
	assert.Equal(t, "video/webm", st.AnimatedImage.MimeType)
	assert.Nil(t, st.StaticImage)
}

func TestFileLocation_URL(t *testing.T) {
	loc := fileLocation{
		Kind:          kindPhoto,
		ID:            -12,
		AccessHash:    99,
		FileReference: []byte{0xff, 0x00, 0x10},
		Thumb:         "y",
		Size:          1234,
		ClientID:      "acc-1",
	}
	got, err := parseFileLocation(loc.URL())
	require.NoError(t, err)
	assert.Equal(t, loc, got)

	_, err = parseFileLocation("https://example.com/x")
	assert.ErrorIs(t, err, ErrBadFileURL)
	_, err = parseFileLocation("tgfile://photo/abc?hash=1")
	assert.ErrorIs(t, err, ErrBadFileURL)
	_, err = parseFileLocation("tgfile://peerphoto/1?hash=1&peer=user")
	assert.ErrorIs(t, err, ErrBadFileURL, "peer photo needs peer id")
}
