package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/mock"

	"chat-archiver/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fetchCall — один вызов FetchMessages.
type fetchCall struct {
	before   int64
	pageSize int
}

// fakeSource — ручной фейк источника: страницы и ошибки выдаются по очереди.
type fakeSource struct {
	mu        sync.Mutex
	pages     [][]domain.Message
	errs      []error
	calls     []fetchCall
	stickers  map[string]domain.Sticker
	imageURLs map[string]string
	fileURLs  map[string]string
	stickerFn func(ids []string) ([]domain.Sticker, error)
}

func (f *fakeSource) FetchThreadInfo(context.Context, string) (*domain.ThreadInfo, error) {
	return nil, nil
}

func (f *fakeSource) FetchMessages(_ context.Context, _ string, before int64, pageSize int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{before: before, pageSize: pageSize})

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeSource) FetchStickers(_ context.Context, ids []string) ([]domain.Sticker, error) {
	if f.stickerFn != nil {
		return f.stickerFn(ids)
	}
	var out []domain.Sticker
	for _, id := range ids {
		if s, ok := f.stickers[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSource) GetImageURL(_ context.Context, _ string, attachmentID string) (string, error) {
	if u, ok := f.imageURLs[attachmentID]; ok {
		return u, nil
	}
	return "", errors.New("image not found")
}

func (f *fakeSource) GetFileURL(_ context.Context, _, _ string, attachmentID string) (string, error) {
	if u, ok := f.fileURLs[attachmentID]; ok {
		return u, nil
	}
	return "", errors.New("file not found")
}

func (f *fakeSource) Open(context.Context, string, string) (io.ReadCloser, int64, error) {
	return io.NopCloser(strings.NewReader("")), 0, nil
}

func (f *fakeSource) Calls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

// mockUploader — мок для интерфейса ports.Uploader.
type mockUploader struct {
	mock.Mock
}

func (m *mockUploader) Reupload(ctx context.Context, url, filename, target, referer string) (*domain.HostedFile, error) {
	args := m.Called(ctx, url, filename, target, referer)
	if res := args.Get(0); res != nil {
		return res.(*domain.HostedFile), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockUploader) Upload(ctx context.Context, data []byte, filename, target string) (*domain.HostedFile, error) {
	args := m.Called(ctx, data, filename, target)
	if res := args.Get(0); res != nil {
		return res.(*domain.HostedFile), args.Error(1)
	}
	return nil, args.Error(1)
}

// echoUploader "загружает" файл, возвращая предсказуемый URL.
type echoUploader struct {
	mu      sync.Mutex
	calls   []string
	targets []string
	fail    map[string]error
}

func (e *echoUploader) Reupload(_ context.Context, url, filename, target, _ string) (*domain.HostedFile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, url)
	e.targets = append(e.targets, target)
	if err := e.fail[url]; err != nil {
		return nil, err
	}
	return &domain.HostedFile{Name: filename, URL: "https://cdn.example/" + filename}, nil
}

func (e *echoUploader) Upload(_ context.Context, _ []byte, filename, _ string) (*domain.HostedFile, error) {
	return &domain.HostedFile{Name: filename, URL: "https://cdn.example/" + filename}, nil
}

func (e *echoUploader) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// memoryStore — хранилище в памяти с семантикой вставки один раз.
type memoryStore struct {
	mu          sync.Mutex
	batches     []domain.WriteBatch
	messages    map[string]domain.MessageRow
	attachments map[string]domain.AttachmentRow
	channels    map[string]string
	users       map[string]domain.UserRow
	failOn      int // номер пакета (с 1), на котором ApplyBatch вернет ошибку
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		messages:    map[string]domain.MessageRow{},
		attachments: map[string]domain.AttachmentRow{},
		channels:    map[string]string{},
		users:       map[string]domain.UserRow{},
	}
}

var errDiskFull = errors.New("disk full")

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
	if s.failOn > 0 && len(s.batches)+1 == s.failOn {
		return errDiskFull
	}
	s.batches = append(s.batches, b)
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

// instantTimer срабатывает сразу и запоминает запрошенные паузы.
type instantTimer struct {
	mu    sync.Mutex
	c     chan time.Time
	waits []time.Duration
}

func newInstantTimer() *instantTimer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.waits = append(t.waits, d)
	t.mu.Unlock()
	t.c <- time.Now()
}

func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

func (t *instantTimer) Waits() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.waits...)
}

func (t *instantTimer) factory() func() backoff.Timer {
	return func() backoff.Timer { return t }
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}
