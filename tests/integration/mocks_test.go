package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"chat-archiver/internal/domain"
)

// fakeSource — источник сообщений поверх заранее заданной истории.
// Open отдает содержимое файлов из files.
type fakeSource struct {
	mu       sync.Mutex
	info     map[string]*domain.ThreadInfo
	history  map[string][]domain.Message
	stickers map[string]domain.Sticker
	files    map[string]string
	opened   []string
	failFrom int64 // если > 0, FetchMessages падает на курсоре не новее этого
}

func (s *fakeSource) FetchThreadInfo(_ context.Context, channelID string) (*domain.ThreadInfo, error) {
	return s.info[channelID], nil
}

func (s *fakeSource) FetchMessages(_ context.Context, channelID string, before int64, pageSize int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFrom > 0 && before <= s.failFrom {
		return nil, &domain.ResponseError{Code: "500", Message: "history unavailable"}
	}

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

func (s *fakeSource) FetchStickers(_ context.Context, ids []string) ([]domain.Sticker, error) {
	var out []domain.Sticker
	for _, id := range ids {
		if st, ok := s.stickers[id]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *fakeSource) GetImageURL(_ context.Context, _, attachmentID string) (string, error) {
	return "src://images/" + attachmentID, nil
}

func (s *fakeSource) GetFileURL(_ context.Context, _, _, attachmentID string) (string, error) {
	return "src://files/" + attachmentID, nil
}

func (s *fakeSource) Open(_ context.Context, url, _ string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, url)
	content, ok := s.files[url]
	if !ok {
		return nil, 0, &domain.ResponseError{Code: "404", Message: "no such file " + url}
	}
	return io.NopCloser(strings.NewReader(content)), int64(len(content)), nil
}

func (s *fakeSource) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opened)
}

// fileHost имитирует вебхук хостинга: принимает multipart и отвечает JSON.
type fileHost struct {
	t       *testing.T
	uploads atomic.Int32
}

func (h *fileHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		h.t.Errorf("bad multipart body: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	_, header, err := r.FormFile("files[0]")
	if err != nil {
		h.t.Errorf("missing files[0]: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	n := h.uploads.Add(1)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"attachments": []map[string]any{{
			"filename": header.Filename,
			"url":      fmt.Sprintf("https://cdn.example/%d/%s", n, header.Filename),
		}},
	})
}
