package tgsource

import (
	"context"
	"errors"
	"sync"

	"github.com/gotd/td/tg"

	"chat-archiver/internal/ports"
)

// fakeClient — управляемая реализация ports.TelegramClient.
type fakeClient struct {
	id string

	mu           sync.Mutex
	resolved     *tg.ContactsResolvedPeer
	resolveErr   error
	full         *tg.MessagesChatFull
	participants tg.ChannelsChannelParticipantsClass
	partErr      error
	history      []tg.MessagesMessagesClass
	historyErr   error
	historyReqs  []tg.MessagesGetHistoryRequest
	file         []byte
	fileReqs     []tg.UploadGetFileRequest
}

func (f *fakeClient) ID() string                   { return f.id }
func (f *fakeClient) Start(context.Context)        {}
func (f *fakeClient) Health(context.Context) error { return nil }

func (f *fakeClient) ContactsResolveUsername(_ context.Context, _ *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error) {
	return f.resolved, f.resolveErr
}

func (f *fakeClient) ChannelsGetFullChannel(context.Context, tg.InputChannelClass) (*tg.MessagesChatFull, error) {
	if f.full == nil {
		return &tg.MessagesChatFull{}, nil
	}
	return f.full, nil
}

func (f *fakeClient) ChannelsGetParticipants(context.Context, *tg.ChannelsGetParticipantsRequest) (tg.ChannelsChannelParticipantsClass, error) {
	return f.participants, f.partErr
}

func (f *fakeClient) MessagesGetHistory(_ context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyReqs = append(f.historyReqs, *req)
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	if len(f.history) == 0 {
		return &tg.MessagesChannelMessages{}, nil
	}
	next := f.history[0]
	f.history = f.history[1:]
	return next, nil
}

func (f *fakeClient) UploadGetFile(_ context.Context, req *tg.UploadGetFileRequest) (tg.UploadFileClass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileReqs = append(f.fileReqs, *req)
	start := min(int(req.Offset), len(f.file))
	end := min(start+req.Limit, len(f.file))
	return &tg.UploadFile{Bytes: f.file[start:end]}, nil
}

var errNoClient = errors.New("no such client")

// fakeRouter выдает единственного клиента.
type fakeRouter struct {
	client ports.TelegramClient
	err    error
}

func (r *fakeRouter) GetClient(context.Context) (ports.TelegramClient, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.client, nil
}

func (r *fakeRouter) Lookup(id string) (ports.TelegramClient, error) {
	if r.client == nil || r.client.ID() != id {
		return nil, errNoClient
	}
	return r.client, nil
}
