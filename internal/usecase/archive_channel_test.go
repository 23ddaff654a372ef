package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-archiver/internal/core/services"
	"chat-archiver/internal/domain"
)

const baseTs = int64(1_600_000_000_000)

func textMessage(id string, ts int64) domain.Message {
	return domain.Message{
		ID: id, TimestampMs: ts, IsUserGenerated: true, HasText: true, Text: "msg " + id,
		Sender: domain.Sender{ID: "u1", Name: "Alice"},
	}
}

// sampleSource — канал из 250 сообщений; у каждого десятого есть видео,
// у первого сообщения — стикер.
func sampleSource() *historySource {
	var history []domain.Message
	for i := 0; i < 250; i++ {
		m := textMessage(fmt.Sprintf("m%03d", i), baseTs+int64(i)*1000)
		if i%10 == 0 {
			m.Attachments = []domain.Attachment{{
				ID: fmt.Sprintf("a%03d", i), Type: domain.AttachmentVideo, Filename: fmt.Sprintf("v%03d.mp4", i),
				PlayableURL: fmt.Sprintf("https://src/v%03d", i),
			}}
		}
		history = append(history, m)
	}
	history[0].Sticker = &domain.StickerRef{ID: "s1"}

	return &historySource{
		info: map[string]*domain.ThreadInfo{
			"general": {
				ID: "general", Name: "General", MessagesCount: 250,
				Participants: []domain.Participant{
					{ID: "u1", Name: "Alice", AvatarURL: "https://src/u1.jpg"},
					{ID: "u2"},
				},
			},
		},
		history: map[string][]domain.Message{"general": history},
		stickers: map[string]domain.Sticker{
			"s1": {ID: "s1", StaticImage: &domain.Image{URI: "https://src/s1.png", Dimensions: domain.Dimensions{Width: 64, Height: 64}}},
		},
	}
}

func newUseCase(src *historySource, store *memoryStore, up *countingUploader, targets []string, opts ...Option) *ArchiveChannelUseCase {
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	return NewArchiveChannelUseCase(src, store, up, targets, Config{
		PoolSize:            2,
		WriterQueueSize:     4,
		AttachmentQueueSize: 2,
		ProgressInterval:    time.Hour,
	}, opts...)
}

func TestArchiveChannel_FullRun(t *testing.T) {
	src := sampleSource()
	store := newMemoryStore()
	up := &countingUploader{}
	uc := newUseCase(src, store, up, []string{"https://host/hook"})

	res, err := uc.ArchiveChannel(context.Background(), "general")

	require.NoError(t, err)
	assert.Equal(t, int64(250), res.Messages)
	assert.Equal(t, int64(26), res.Attachments, "25 видео и стикер")
	assert.Equal(t, "General", res.Name)
	assert.Len(t, store.messages, 250)
	assert.Len(t, store.attachments, 26)
	assert.Equal(t, "General", store.channels["general"])

	alice := store.users["u1"]
	require.NotNil(t, alice.AvatarURL)
	assert.Equal(t, "https://cdn.example/profile_picture-u1.jpg", *alice.AvatarURL)
	assert.Equal(t, services.DefaultUserName, store.users["u2"].Name)
	assert.Nil(t, store.users["u2"].AvatarURL)

	// 250 сообщений страницами по 95: три непустые страницы и одна пустая.
	assert.Equal(t, 4, src.fetches)
}

func TestArchiveChannel_ResumeIsIdempotent(t *testing.T) {
	src := sampleSource()
	store := newMemoryStore()
	up := &countingUploader{}
	uc := newUseCase(src, store, up, []string{"https://host/hook"})

	_, err := uc.ArchiveChannel(context.Background(), "general")
	require.NoError(t, err)
	uploadsAfterFirst := len(up.Files())

	res, err := uc.ArchiveChannel(context.Background(), "general")
	require.NoError(t, err)

	assert.Zero(t, res.Messages, "повторный запуск не пишет сообщения")
	assert.Zero(t, res.Attachments, "повторный запуск не пишет вложения")
	// Повторно загружается только аватар участника.
	assert.Equal(t, uploadsAfterFirst+1, len(up.Files()))
	assert.Len(t, store.messages, 250)
}

func TestArchiveChannel_ResumeAfterPartialRun(t *testing.T) {
	src := sampleSource()
	store := newMemoryStore()
	// Сохранены только самые новые сообщения, без вложений.
	for i := 200; i < 250; i++ {
		id := fmt.Sprintf("m%03d", i)
		store.messages[id] = domain.MessageRow{ID: id, ChannelID: "general"}
	}
	up := &countingUploader{}
	uc := newUseCase(src, store, up, []string{"https://host/hook"})

	res, err := uc.ArchiveChannel(context.Background(), "general")

	require.NoError(t, err)
	assert.Equal(t, int64(200), res.Messages)
	// Вложения уже сохраненных сообщений тоже догружаются.
	assert.Equal(t, int64(26), res.Attachments)
}

func TestArchiveChannel_NoTargetsSkipsAttachments(t *testing.T) {
	src := sampleSource()
	store := newMemoryStore()
	up := &countingUploader{}
	uc := newUseCase(src, store, up, nil)

	res, err := uc.ArchiveChannel(context.Background(), "general")

	require.NoError(t, err)
	assert.Equal(t, int64(250), res.Messages)
	assert.Zero(t, res.Attachments)
	assert.Empty(t, up.Files())
	assert.Nil(t, store.users["u1"].AvatarURL)
}

func TestArchiveChannel_CanonicalID(t *testing.T) {
	src := sampleSource()
	src.info["@general"] = src.info["general"]
	store := newMemoryStore()
	uc := newUseCase(src, store, &countingUploader{}, nil)

	res, err := uc.ArchiveChannel(context.Background(), "@general")

	require.NoError(t, err)
	assert.Equal(t, "general", res.CanonicalID)
	for _, m := range store.messages {
		assert.Equal(t, "general", m.ChannelID)
	}
	_, aliasStored := store.channels["@general"]
	assert.False(t, aliasStored)
}

func TestArchiveChannel_MetadataProblems(t *testing.T) {
	t.Run("Канал не найден", func(t *testing.T) {
		uc := newUseCase(&historySource{}, newMemoryStore(), &countingUploader{}, nil)
		_, err := uc.ArchiveChannel(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrChannelUnavailable)
	})

	t.Run("Ошибка запроса метаданных", func(t *testing.T) {
		uc := newUseCase(&historySource{infoErr: errors.New("boom")}, newMemoryStore(), &countingUploader{}, nil)
		_, err := uc.ArchiveChannel(context.Background(), "general")
		assert.ErrorIs(t, err, ErrChannelUnavailable)
	})

	t.Run("Пустой каноничный идентификатор", func(t *testing.T) {
		src := &historySource{info: map[string]*domain.ThreadInfo{"x": {Name: "X"}}}
		store := newMemoryStore()
		uc := newUseCase(src, store, &countingUploader{}, nil)

		_, err := uc.ArchiveChannel(context.Background(), "x")

		assert.ErrorIs(t, err, ErrMissingCanonicalID)
		assert.Empty(t, store.channels)
	})

	t.Run("Канал без названия", func(t *testing.T) {
		src := &historySource{info: map[string]*domain.ThreadInfo{"x": {ID: "x"}}}
		store := newMemoryStore()
		uc := newUseCase(src, store, &countingUploader{}, nil)

		_, err := uc.ArchiveChannel(context.Background(), "x")

		require.NoError(t, err)
		assert.Equal(t, "No name", store.channels["x"])
	})
}

func TestArchiveChannel_StoreFailureIsFatal(t *testing.T) {
	src := sampleSource()
	store := newMemoryStore()
	store.failBatches = true
	uc := newUseCase(src, store, &countingUploader{}, []string{"https://host/hook"})

	done := make(chan error, 1)
	go func() {
		_, err := uc.ArchiveChannel(context.Background(), "general")
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, services.ErrStoreFailed)
		assert.ErrorIs(t, err, errDiskFull)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline deadlocked after a store failure")
	}
}

func TestArchiveAll(t *testing.T) {
	t.Run("Ошибка канала не прерывает обработку", func(t *testing.T) {
		src := sampleSource()
		registry := &recordingRegistry{}
		uc := newUseCase(src, newMemoryStore(), &countingUploader{}, nil, WithRunRegistry(registry))

		results, err := uc.ArchiveAll(context.Background(), []string{"missing", "general"})

		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.ErrorIs(t, results[0].Err, ErrChannelUnavailable)
		assert.NoError(t, results[1].Err)
		assert.Equal(t, int64(250), results[1].Messages)
		assert.Equal(t, []string{
			"create:missing", "fail:missing-run",
			"create:general", "processing:general-run", "complete:general-run",
		}, registry.events)
	})

	t.Run("Ошибка хранилища останавливает обработку", func(t *testing.T) {
		src := sampleSource()
		src.info["other"] = &domain.ThreadInfo{ID: "other"}
		store := newMemoryStore()
		store.failBatches = true
		uc := newUseCase(src, store, &countingUploader{}, nil)

		results, err := uc.ArchiveAll(context.Background(), []string{"general", "other"})

		assert.ErrorIs(t, err, services.ErrStoreFailed)
		assert.Len(t, results, 1)
	})
}
