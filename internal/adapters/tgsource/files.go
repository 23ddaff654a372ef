package tgsource

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/gotd/td/tg"

	"chat-archiver/internal/ports"
)

const (
	fileScheme = "tgfile"

	kindDocument  = "document"
	kindPhoto     = "photo"
	kindPeerPhoto = "peerphoto"

	peerUser    = "user"
	peerChannel = "channel"

	// chunkSize должен делить 1 МБ и быть кратен 4 КБ.
	chunkSize = 512 * 1024
)

// ErrBadFileURL возвращается для ссылок, которые не удалось разобрать.
var ErrBadFileURL = errors.New("malformed telegram file url")

// fileLocation описывает файл Telegram в виде, пригодном для URL.
// Ссылки действительны только для аккаунта ClientID.
type fileLocation struct {
	Kind          string
	ID            int64
	AccessHash    int64
	FileReference []byte
	Thumb         string
	Size          int64
	ClientID      string

	PeerKind string
	PeerID   int64
	PeerHash int64
}

// URL кодирует расположение в ссылку tgfile://<kind>/<id>?...
func (l fileLocation) URL() string {
	q := url.Values{}
	q.Set("client", l.ClientID)
	q.Set("hash", strconv.FormatInt(l.AccessHash, 10))
	if len(l.FileReference) > 0 {
		q.Set("ref", base64.RawURLEncoding.EncodeToString(l.FileReference))
	}
	if l.Thumb != "" {
		q.Set("thumb", l.Thumb)
	}
	if l.Size > 0 {
		q.Set("size", strconv.FormatInt(l.Size, 10))
	}
	if l.Kind == kindPeerPhoto {
		q.Set("peer", l.PeerKind)
		q.Set("peer_id", strconv.FormatInt(l.PeerID, 10))
		q.Set("peer_hash", strconv.FormatInt(l.PeerHash, 10))
	}
	u := url.URL{
		Scheme:   fileScheme,
		Host:     l.Kind,
		Path:     "/" + strconv.FormatInt(l.ID, 10),
		RawQuery: q.Encode(),
	}
	return u.String()
}

func parseFileLocation(raw string) (fileLocation, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return fileLocation{}, fmt.Errorf("%w: %w", ErrBadFileURL, err)
	}
	if u.Scheme != fileScheme {
		return fileLocation{}, fmt.Errorf("%w: scheme %q", ErrBadFileURL, u.Scheme)
	}

	l := fileLocation{Kind: u.Host}
	q := u.Query()

	ints := []intParam{
		{&l.ID, trimSlash(u.Path), false},
		{&l.AccessHash, q.Get("hash"), false},
		{&l.Size, q.Get("size"), true},
	}
	if l.Kind == kindPeerPhoto {
		ints = append(ints,
			intParam{&l.PeerID, q.Get("peer_id"), false},
			intParam{&l.PeerHash, q.Get("peer_hash"), false},
		)
	}
	for _, f := range ints {
		if f.raw == "" && f.optional {
			continue
		}
		v, err := strconv.ParseInt(f.raw, 10, 64)
		if err != nil {
			return fileLocation{}, fmt.Errorf("%w: %w", ErrBadFileURL, err)
		}
		*f.dst = v
	}

	if ref := q.Get("ref"); ref != "" {
		l.FileReference, err = base64.RawURLEncoding.DecodeString(ref)
		if err != nil {
			return fileLocation{}, fmt.Errorf("%w: file reference: %w", ErrBadFileURL, err)
		}
	}
	l.Thumb = q.Get("thumb")
	l.ClientID = q.Get("client")
	l.PeerKind = q.Get("peer")

	switch l.Kind {
	case kindDocument, kindPhoto, kindPeerPhoto:
	default:
		return fileLocation{}, fmt.Errorf("%w: kind %q", ErrBadFileURL, l.Kind)
	}
	return l, nil
}

type intParam struct {
	dst      *int64
	raw      string
	optional bool
}

func trimSlash(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}

// input возвращает расположение файла для upload.getFile.
func (l fileLocation) input() (tg.InputFileLocationClass, error) {
	switch l.Kind {
	case kindDocument:
		return &tg.InputDocumentFileLocation{
			ID:            l.ID,
			AccessHash:    l.AccessHash,
			FileReference: l.FileReference,
			ThumbSize:     l.Thumb,
		}, nil
	case kindPhoto:
		return &tg.InputPhotoFileLocation{
			ID:            l.ID,
			AccessHash:    l.AccessHash,
			FileReference: l.FileReference,
			ThumbSize:     l.Thumb,
		}, nil
	case kindPeerPhoto:
		var peer tg.InputPeerClass
		switch l.PeerKind {
		case peerUser:
			peer = &tg.InputPeerUser{UserID: l.PeerID, AccessHash: l.PeerHash}
		case peerChannel:
			peer = &tg.InputPeerChannel{ChannelID: l.PeerID, AccessHash: l.PeerHash}
		default:
			return nil, fmt.Errorf("%w: peer kind %q", ErrBadFileURL, l.PeerKind)
		}
		return &tg.InputPeerPhotoFileLocation{Big: true, Peer: peer, PhotoID: l.ID}, nil
	}
	return nil, fmt.Errorf("%w: kind %q", ErrBadFileURL, l.Kind)
}

// fileReader читает файл частями через upload.getFile.
type fileReader struct {
	ctx      context.Context
	client   ports.TelegramClient
	location tg.InputFileLocationClass
	wait     func(ctx context.Context) error

	offset int64
	buf    []byte
	done   bool
}

func (r *fileReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		if err := r.fetch(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *fileReader) fetch() error {
	if r.wait != nil {
		if err := r.wait(r.ctx); err != nil {
			return err
		}
	}
	res, err := r.client.UploadGetFile(r.ctx, &tg.UploadGetFileRequest{
		Location: r.location,
		Offset:   r.offset,
		Limit:    chunkSize,
	})
	if err != nil {
		return fmt.Errorf("upload.getFile at offset %d: %w", r.offset, mapError(err))
	}
	file, ok := res.(*tg.UploadFile)
	if !ok {
		return fmt.Errorf("upload.getFile: unexpected response %T", res)
	}
	r.buf = file.Bytes
	r.offset += int64(len(file.Bytes))
	if len(file.Bytes) < chunkSize {
		r.done = true
	}
	return nil
}

func (r *fileReader) Close() error {
	r.done = true
	r.buf = nil
	return nil
}
