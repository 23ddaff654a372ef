// Package tgsource реализует источник сообщений поверх Telegram MTProto.
package tgsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"golang.org/x/time/rate"

	"chat-archiver/internal/domain"
	"chat-archiver/internal/ports"
	"chat-archiver/internal/telegram"
	"chat-archiver/internal/telegram/router"
)

const (
	// DefaultRequestsPerSecond — темп запросов к API по умолчанию.
	DefaultRequestsPerSecond = 2.0
	// participantsLimit — сколько участников запрашивать за один вызов.
	participantsLimit = 200
)

var (
	// ErrUnknownChannel возвращается для каналов, которые не были разрешены через FetchThreadInfo.
	ErrUnknownChannel = errors.New("channel was not resolved")
	// ErrUnknownFile возвращается, когда источник не выдавал запрошенную ссылку.
	ErrUnknownFile = errors.New("file url is unknown")
)

var _ ports.MessageSource = (*Source)(nil)

type peerKind int

const (
	peerKindChannel peerKind = iota
	peerKindUser
)

// peer — разрешенный канал или диалог, закрепленный за одним аккаунтом.
type peer struct {
	kind       peerKind
	id         int64
	accessHash int64
	title      string
	clientID   string
}

func (p peer) input() tg.InputPeerClass {
	if p.kind == peerKindUser {
		return &tg.InputPeerUser{UserID: p.id, AccessHash: p.accessHash}
	}
	return &tg.InputPeerChannel{ChannelID: p.id, AccessHash: p.accessHash}
}

// cursor запоминает самое старое сообщение последней страницы,
// чтобы продолжать по offset_id, а не по секундной offset_date.
type cursor struct {
	beforeMs int64
	oldestID int
}

// Source реализует ports.MessageSource.
type Source struct {
	router  ports.TelegramRouter
	limiter *rate.Limiter
	http    *http.Client
	log     *slog.Logger

	mu        sync.RWMutex
	peers     map[string]peer
	cursors   map[string]cursor
	stickers  map[string]domain.Sticker
	originals map[string]string
	files     map[string]string
}

// Option — функциональная опция Source.
type Option func(*Source)

// WithLogger устанавливает логгер.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRequestsPerSecond задает темп обращений к API. 0 отключает ограничение.
func WithRequestsPerSecond(rps float64) Option {
	return func(s *Source) {
		if rps <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithHTTPClient задает клиент для обычных http(s) ссылок.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) {
		if c != nil {
			s.http = c
		}
	}
}

// New создает источник поверх роутера аккаунтов.
func New(r ports.TelegramRouter, opts ...Option) *Source {
	s := &Source{
		router:    r,
		limiter:   rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), 1),
		http:      http.DefaultClient,
		log:       slog.Default().With("component", "telegram_source"),
		peers:     make(map[string]peer),
		cursors:   make(map[string]cursor),
		stickers:  make(map[string]domain.Sticker),
		originals: make(map[string]string),
		files:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchThreadInfo разрешает идентификатор канала. Числовые ID принимаются
// только для каналов, уже разрешенных в этом процессе.
func (s *Source) FetchThreadInfo(ctx context.Context, channelID string) (*domain.ThreadInfo, error) {
	key := normalizeChannelID(channelID)
	if key == "" {
		return nil, nil
	}

	if _, err := strconv.ParseInt(key, 10, 64); err == nil {
		p, ok := s.peer(key)
		if !ok {
			s.log.WarnContext(ctx, "Numeric channel id was never resolved by username", "channel_id", channelID)
			return nil, nil
		}
		client, err := s.router.Lookup(p.clientID)
		if err != nil {
			return nil, mapError(err)
		}
		return s.describe(ctx, client, p, nil, nil)
	}

	client, err := s.router.GetClient(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resolved, err := client.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: key})
	if err != nil {
		if tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID") {
			return nil, nil
		}
		return nil, mapError(err)
	}

	p, ok := peerFromResolved(resolved, client.ID())
	if !ok {
		s.log.WarnContext(ctx, "Resolved peer is neither a channel nor a user", "channel_id", channelID)
		return nil, nil
	}

	canonical := strconv.FormatInt(p.id, 10)
	s.mu.Lock()
	s.peers[key] = p
	s.peers[canonical] = p
	s.mu.Unlock()

	return s.describe(ctx, client, p, resolved.Users, resolved.Chats)
}

func normalizeChannelID(id string) string {
	id = strings.TrimSpace(id)
	for _, prefix := range []string{"https://", "http://"} {
		id = strings.TrimPrefix(id, prefix)
	}
	id = strings.TrimPrefix(id, "t.me/")
	return strings.ToLower(strings.TrimPrefix(id, "@"))
}

func peerFromResolved(r *tg.ContactsResolvedPeer, clientID string) (peer, bool) {
	switch pc := r.Peer.(type) {
	case *tg.PeerChannel:
		for _, ch := range r.Chats {
			if c, ok := ch.(*tg.Channel); ok && c.ID == pc.ChannelID {
				hash, _ := c.GetAccessHash()
				return peer{kind: peerKindChannel, id: c.ID, accessHash: hash, title: c.Title, clientID: clientID}, true
			}
		}
	case *tg.PeerUser:
		for _, u := range r.Users {
			if user, ok := u.(*tg.User); ok && user.ID == pc.UserID {
				hash, _ := user.GetAccessHash()
				return peer{kind: peerKindUser, id: user.ID, accessHash: hash, title: userName(user), clientID: clientID}, true
			}
		}
	}
	return peer{}, false
}

func (s *Source) peer(key string) (peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[key]
	return p, ok
}

// describe собирает метаданные: название, участников и число сообщений.
func (s *Source) describe(ctx context.Context, client ports.TelegramClient, p peer, users []tg.UserClass, chats []tg.ChatClass) (*domain.ThreadInfo, error) {
	info := &domain.ThreadInfo{ID: strconv.FormatInt(p.id, 10), Name: p.title}

	switch p.kind {
	case peerKindChannel:
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		full, err := client.ChannelsGetFullChannel(ctx, &tg.InputChannel{ChannelID: p.id, AccessHash: p.accessHash})
		if err != nil {
			return nil, mapError(err)
		}
		chats = append(chats, full.Chats...)
		info.Participants = s.participants(ctx, client, p)
	case peerKindUser:
		for _, u := range users {
			if user, ok := u.(*tg.User); ok && user.ID == p.id {
				info.Participants = []domain.Participant{participant(user, p.clientID)}
			}
		}
	}

	for _, ch := range chats {
		if c, ok := ch.(*tg.Channel); ok && c.ID == p.id {
			info.Name = c.Title
		}
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	history, err := client.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{Peer: p.input(), Limit: 1})
	if err != nil {
		return nil, mapError(err)
	}
	info.MessagesCount = int64(historyCount(history))
	return info, nil
}

// participants возвращает недавних участников. Для каналов без прав
// администратора список недоступен, и это не ошибка.
func (s *Source) participants(ctx context.Context, client ports.TelegramClient, p peer) []domain.Participant {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil
	}
	res, err := client.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
		Channel: &tg.InputChannel{ChannelID: p.id, AccessHash: p.accessHash},
		Filter:  &tg.ChannelParticipantsRecent{},
		Limit:   participantsLimit,
	})
	if err != nil {
		s.log.WarnContext(ctx, "Participants are not available", "channel_id", p.id, "error", err)
		return nil
	}
	list, ok := res.(*tg.ChannelsChannelParticipants)
	if !ok {
		return nil
	}
	out := make([]domain.Participant, 0, len(list.Users))
	for _, u := range list.Users {
		if user, ok := u.(*tg.User); ok {
			out = append(out, participant(user, p.clientID))
		}
	}
	return out
}

func historyCount(m tg.MessagesMessagesClass) int {
	switch v := m.(type) {
	case *tg.MessagesMessages:
		return len(v.Messages)
	case *tg.MessagesMessagesSlice:
		return v.Count
	case *tg.MessagesChannelMessages:
		return v.Count
	}
	return 0
}

// FetchMessages возвращает до pageSize сообщений строго раньше beforeMs.
func (s *Source) FetchMessages(ctx context.Context, channelID string, beforeMs int64, pageSize int) ([]domain.Message, error) {
	p, ok := s.peer(channelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	client, err := s.router.Lookup(p.clientID)
	if err != nil {
		return nil, mapError(err)
	}

	req := &tg.MessagesGetHistoryRequest{Peer: p.input(), Limit: pageSize}
	s.mu.RLock()
	cur, known := s.cursors[channelID]
	s.mu.RUnlock()
	if known && cur.beforeMs == beforeMs {
		req.OffsetID = cur.oldestID
	} else {
		// offset_date исключает указанную секунду.
		req.OffsetDate = int((beforeMs + 999) / 1000)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := client.MessagesGetHistory(ctx, req)
	if err != nil {
		return nil, mapError(err)
	}

	var list []tg.MessageClass
	var users []tg.UserClass
	var chats []tg.ChatClass
	switch v := res.(type) {
	case *tg.MessagesMessages:
		list, users, chats = v.Messages, v.Users, v.Chats
	case *tg.MessagesMessagesSlice:
		list, users, chats = v.Messages, v.Users, v.Chats
	case *tg.MessagesChannelMessages:
		list, users, chats = v.Messages, v.Users, v.Chats
	case *tg.MessagesMessagesNotModified:
		return nil, nil
	}

	pg := newConverter(p.id, p.clientID, users, chats).convertPage(list)
	s.remember(channelID, pg)
	return pg.messages, nil
}

func (s *Source) remember(channelID string, pg page) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(pg.messages) > 0 {
		oldest := pg.messages[0].TimestampMs
		for _, m := range pg.messages[1:] {
			oldest = min(oldest, m.TimestampMs)
		}
		s.cursors[channelID] = cursor{beforeMs: oldest - 1, oldestID: pg.oldestID}
	}
	for id, st := range pg.stickers {
		s.stickers[id] = st
	}
	for k, v := range pg.originals {
		s.originals[k] = v
	}
	for k, v := range pg.files {
		s.files[k] = v
	}
}

// FetchStickers возвращает стикеры из документов, встреченных в истории.
// Неизвестные ID пропускаются.
func (s *Source) FetchStickers(_ context.Context, ids []string) ([]domain.Sticker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Sticker, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.stickers[id]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

// GetImageURL возвращает ссылку на наибольшую версию фото.
func (s *Source) GetImageURL(_ context.Context, messageID, attachmentID string) (string, error) {
	return s.lookupURL(s.originals, messageID, attachmentID)
}

// GetFileURL возвращает ссылку на файл-вложение.
func (s *Source) GetFileURL(_ context.Context, _ string, messageID, attachmentID string) (string, error) {
	return s.lookupURL(s.files, messageID, attachmentID)
}

func (s *Source) lookupURL(m map[string]string, messageID, attachmentID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := m[messageID+"/"+attachmentID]
	if !ok {
		return "", fmt.Errorf("%w: message %s attachment %s", ErrUnknownFile, messageID, attachmentID)
	}
	return u, nil
}

// Open открывает файл Telegram (tgfile://) или обычный http(s) URL.
func (s *Source) Open(ctx context.Context, rawURL, referer string) (io.ReadCloser, int64, error) {
	if !strings.HasPrefix(rawURL, fileScheme+"://") {
		return s.openHTTP(ctx, rawURL, referer)
	}

	loc, err := parseFileLocation(rawURL)
	if err != nil {
		return nil, 0, err
	}
	input, err := loc.input()
	if err != nil {
		return nil, 0, err
	}
	client, err := s.router.Lookup(loc.ClientID)
	if err != nil {
		return nil, 0, mapError(err)
	}

	size := loc.Size
	if size <= 0 {
		size = -1
	}
	return &fileReader{
		ctx:      ctx,
		client:   client,
		location: input,
		wait:     s.limiter.Wait,
	}, size, nil
}

func (s *Source) openHTTP(ctx context.Context, rawURL, referer string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("download %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

// mapError переводит ошибки MTProto в ошибки доменного источника.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, telegram.ErrFloodWaitActive) || errors.Is(err, router.ErrNoHealthyClients) || telegram.IsFloodWait(err) {
		return fmt.Errorf("%w: %w", domain.ErrRateLimited, err)
	}
	if rpcErr, ok := tgerr.As(err); ok {
		return &domain.ResponseError{
			Code:    strconv.Itoa(rpcErr.Code),
			Subcode: rpcErr.Type,
			Message: rpcErr.Message,
		}
	}
	return err
}
