package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"chat-archiver/internal/domain"
	"chat-archiver/internal/ports"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// historySource отдает сообщения из заранее заданной истории с учетом курсора.
type historySource struct {
	mu       sync.Mutex
	info     map[string]*domain.ThreadInfo
	infoErr  error
	history  map[string][]domain.Message // ключ — каноничный id канала
	stickers map[string]domain.Sticker
	fetches  int
}

func (s *historySource) FetchThreadInfo(_ context.Context, channelID string) (*domain.ThreadInfo, error) {
	if s.infoErr != nil {
		return nil, s.infoErr
	}
	return s.info[channelID], nil
}

func (s *historySource) FetchMessages(_ context.Context, channelID string, before int64, pageSize int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++

	all := append([]domain.Message(nil), s.history[channelID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].TimestampMs > all[j].TimestampMs })
	var page []domain.Message
	for _, m := range all {
		if m.TimestampMs < before {
			page = append(page, m)
		}
		if len(page) == pageSize {
			break
		}
	}
	return page, nil
}

func (s *historySource) FetchStickers(_ context.Context, ids []string) ([]domain.Sticker, error) {
	var out []domain.Sticker
	for _, id := range ids {
		if st, ok := s.stickers[id]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *historySource) GetImageURL(context.Context, string, string) (string, error) {
	return "", errors.New("not available")
}

func (s *historySource) GetFileURL(_ context.Context, _, _ string, attachmentID string) (string, error) {
	return "https://src/files/" + attachmentID, nil
}

func (s *historySource) Open(context.Context, string, string) (io.ReadCloser, int64, error) {
	return io.NopCloser(strings.NewReader("")), 0, nil
}

// countingUploader возвращает предсказуемые URL и считает вызовы.
type countingUploader struct {
	mu    sync.Mutex
	files []string
}

func (u *countingUploader) Reupload(_ context.Context, _, filename, _, _ string) (*domain.HostedFile, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.files = append(u.files, filename)
	return &domain.HostedFile{Name: filename, URL: "https://cdn.example/" + filename}, nil
}

func (u *countingUploader) Upload(_ context.Context, _ []byte, filename, _ string) (*domain.HostedFile, error) {
	return &domain.HostedFile{Name: filename, URL: "https://cdn.example/" + filename}, nil
}

func (u *countingUploader) Files() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.files...)
}

var errDiskFull = errors.New("disk full")

// memoryStore — хранилище в памяти с семантикой вставки один раз.
type memoryStore struct {
	mu          sync.Mutex
	channels    map[string]string
	users       map[string]domain.UserRow
	messages    map[string]domain.MessageRow
	attachments map[string]domain.AttachmentRow
	failBatches bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		channels:    map[string]string{},
		users:       map[string]domain.UserRow{},
		messages:    map[string]domain.MessageRow{},
		attachments: map[string]domain.AttachmentRow{},
	}
}

func (s *memoryStore) UpsertChannel(_ context.Context, ch domain.ChannelRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = ch.Name
	return nil
}

func (s *memoryStore) UpsertParticipants(_ context.Context, users []domain.UserRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		if old, ok := s.users[u.ID]; ok && u.AvatarURL == nil {
			u.AvatarURL = old.AvatarURL
		}
		s.users[u.ID] = u
	}
	return nil
}

func (s *memoryStore) ApplyBatch(_ context.Context, b domain.WriteBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBatches {
		return errDiskFull
	}
	for _, u := range b.Users {
		if _, ok := s.users[u.ID]; !ok {
			s.users[u.ID] = u
		}
	}
	if m := b.Message; m != nil {
		if _, ok := s.messages[m.ID]; !ok {
			s.messages[m.ID] = *m
		}
	}
	for _, a := range b.Attachments {
		if _, ok := s.attachments[a.ID]; !ok {
			s.attachments[a.ID] = a
		}
	}
	return nil
}

func (s *memoryStore) MessageIDs(_ context.Context, channelID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, m := range s.messages {
		if m.ChannelID == channelID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memoryStore) AttachmentIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.attachments {
		ids = append(ids, id)
	}
	return ids, nil
}

// recordingRegistry запоминает переходы статусов запусков.
type recordingRegistry struct {
	mu     sync.Mutex
	events []string
	n      int
}

func (r *recordingRegistry) Create(channelID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	r.events = append(r.events, "create:"+channelID)
	return channelID + "-run"
}

func (r *recordingRegistry) Processing(runID string, counters ports.Counters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "processing:"+runID)
	return nil
}

func (r *recordingRegistry) Complete(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "complete:"+runID)
	return nil
}

func (r *recordingRegistry) Fail(runID string, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "fail:"+runID)
	return nil
}
