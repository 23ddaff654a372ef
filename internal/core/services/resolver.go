package services

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"chat-archiver/internal/cache"
	"chat-archiver/internal/domain"
	"chat-archiver/internal/pkg/balancer"
	"chat-archiver/internal/ports"
)

const (
	refererThreadPhoto = "messenger_thread_photo"
	refererUnknown     = "unknown"

	stickerCacheTTL = time.Hour
)

var (
	// ErrUnsupportedAttachment — тип вложения не поддерживается.
	ErrUnsupportedAttachment = errors.New("unsupported attachment type")
	// ErrStickerNotFound — источник не вернул метаданные запрошенного стикера.
	ErrStickerNotFound = errors.New("sticker metadata not found")
	// ErrNoSourceURL — источник не сообщил URL вложения.
	ErrNoSourceURL = errors.New("attachment has no source url")
)

// preferredExtensions уточняет выбор расширения там, где mime.ExtensionsByType
// возвращает несколько вариантов.
var preferredExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"audio/mpeg":      ".mp3",
	"audio/ogg":       ".ogg",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

// Resolver превращает ссылку на вложение в строку хранилища, повторно
// загружая файл на хостинг.
type Resolver struct {
	base
	source   ports.MessageSource
	uploader ports.Uploader
	targets  []string
	picker   ports.Strategy[string]
	stickers *cache.TTLCache[string, domain.AttachmentRow]
	inflight singleflight.Group
}

// NewResolver создает Resolver. Цели загрузки выбираются по кругу, если
// WithTargetStrategy не задает другую стратегию.
func NewResolver(source ports.MessageSource, uploader ports.Uploader, targets []string, opts ...Option) *Resolver {
	b := newBase(opts)
	picker := b.targetStrategy
	if picker == nil {
		picker = balancer.NewRoundRobinStrategy[string]()
	}
	return &Resolver{
		base:     b,
		source:   source,
		uploader: uploader,
		targets:  targets,
		picker:   picker,
		stickers: cache.New[string, domain.AttachmentRow](stickerCacheTTL, cache.WithClock[string, domain.AttachmentRow](b.now)),
	}
}

// StartCacheCleanup периодически удаляет просроченные стикеры, пока ctx жив.
func (r *Resolver) StartCacheCleanup(ctx context.Context, interval time.Duration) {
	r.stickers.StartCleanupTicker(ctx, interval)
}

// CachedStickers возвращает число стикеров в кэше.
func (r *Resolver) CachedStickers() int {
	return r.stickers.Len()
}

// Enabled сообщает, настроена ли хотя бы одна цель загрузки.
func (r *Resolver) Enabled() bool {
	return len(r.targets) > 0
}

func (r *Resolver) reupload(ctx context.Context, url, filename, referer string) (*domain.HostedFile, error) {
	if url == "" {
		return nil, ErrNoSourceURL
	}
	target, err := r.picker.Next(r.targets)
	if err != nil {
		return nil, fmt.Errorf("pick upload target: %w", err)
	}
	return r.uploader.Reupload(ctx, url, filename, target, referer)
}

// ResolveAttachment загружает одно вложение сообщения.
func (r *Resolver) ResolveAttachment(ctx context.Context, channelID, messageID string, a domain.Attachment) (*domain.AttachmentRow, error) {
	var (
		url        string
		storedType domain.StoredAttachmentType
		referer    = refererUnknown
	)

	switch a.Type {
	case domain.AttachmentImage, domain.AttachmentAnimatedImage:
		storedType = domain.StoredImage
		if a.Type == domain.AttachmentAnimatedImage {
			storedType = domain.StoredGIF
		}
		url = r.imageURL(ctx, messageID, a)
		referer = refererThreadPhoto
	case domain.AttachmentAudio:
		url, storedType = a.PlayableURL, domain.StoredAudioClip
	case domain.AttachmentVideo:
		url, storedType = a.PlayableURL, domain.StoredVideo
	case domain.AttachmentFile:
		fileURL, err := r.source.GetFileURL(ctx, channelID, messageID, a.AttachmentID)
		if err != nil {
			return nil, fmt.Errorf("get file url: %w", err)
		}
		url, storedType = fileURL, domain.StoredFile
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAttachment, a.Type)
	}

	hosted, err := r.reupload(ctx, url, attachmentFilename(a), referer)
	if err != nil {
		return nil, err
	}
	return &domain.AttachmentRow{
		ID:        a.ID,
		MessageID: messageID,
		Name:      hosted.Name,
		Type:      storedType,
		URL:       hosted.URL,
	}, nil
}

// imageURL выбирает самую крупную доступную версию изображения.
func (r *Resolver) imageURL(ctx context.Context, messageID string, a domain.Attachment) string {
	var inline string
	var inlineDims domain.Dimensions
	if a.FullScreen != nil {
		inline, inlineDims = a.FullScreen.URI, a.FullScreen.Dimensions
	}
	if inline != "" && !a.OriginalDimensions.Larger(inlineDims) {
		return inline
	}

	full, err := r.source.GetImageURL(ctx, messageID, a.AttachmentID)
	if err != nil || full == "" {
		r.log.DebugContext(ctx, "Full-size image url unavailable, using inline rendition",
			"message_id", messageID, "attachment_id", a.ID, "error", err)
		return inline
	}
	return full
}

// attachmentFilename добавляет расширение по MIME-типу, если его нет.
func attachmentFilename(a domain.Attachment) string {
	name := a.Filename
	if name == "" {
		name = a.ID
	}
	if a.MimeType == "" || path.Ext(name) != "" {
		return name
	}
	mediaType, _, err := mime.ParseMediaType(a.MimeType)
	if err != nil {
		return name
	}
	if ext, ok := preferredExtensions[mediaType]; ok {
		return name + ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return name + exts[0]
	}
	return name
}

// ResolveSticker загружает стикер. Результат кэшируется по идентификатору
// стикера, так что повторно использованный стикер загружается один раз.
func (r *Resolver) ResolveSticker(ctx context.Context, messageID string, ref domain.StickerRef) (*domain.AttachmentRow, error) {
	if row, ok := r.stickers.Get(ref.ID); ok {
		row.MessageID = messageID
		return &row, nil
	}

	// Одновременные запросы одного стикера ждут одну загрузку.
	v, err, _ := r.inflight.Do(ref.ID, func() (any, error) {
		if row, ok := r.stickers.Get(ref.ID); ok {
			return row, nil
		}
		row, err := r.hostSticker(ctx, ref)
		if err != nil {
			return nil, err
		}
		r.stickers.Put(ref.ID, row)
		return row, nil
	})
	if err != nil {
		return nil, err
	}
	row := v.(domain.AttachmentRow)
	row.MessageID = messageID
	return &row, nil
}

// stickerExtension возвращает расширение по реальному формату стикера.
// Без MIME-типа анимированный стикер считается GIF, статичный — PNG.
func stickerExtension(mimeType string, animated bool) string {
	switch mimeType {
	case "video/webm":
		return "webm"
	case "application/x-tgsticker":
		return "tgs"
	case "image/webp":
		return "webp"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	}
	if animated {
		return "gif"
	}
	return "png"
}

func (r *Resolver) hostSticker(ctx context.Context, ref domain.StickerRef) (domain.AttachmentRow, error) {
	found, err := r.source.FetchStickers(ctx, []string{ref.ID})
	if err != nil {
		return domain.AttachmentRow{}, fmt.Errorf("fetch sticker %s: %w", ref.ID, err)
	}

	var sticker *domain.Sticker
	for i := range found {
		if found[i].ID == ref.ID {
			sticker = &found[i]
			break
		}
	}
	if sticker == nil {
		return domain.AttachmentRow{}, fmt.Errorf("%w: %s", ErrStickerNotFound, ref.ID)
	}

	image, animated := sticker.AnimatedImage, true
	if image == nil {
		image, animated = sticker.StaticImage, false
	}
	if image == nil || image.URI == "" {
		return domain.AttachmentRow{}, fmt.Errorf("%w: %s has no renditions", ErrStickerNotFound, ref.ID)
	}
	ext := stickerExtension(image.MimeType, animated)

	hosted, err := r.reupload(ctx, image.URI, fmt.Sprintf("sticker-%s.%s", ref.ID, ext), "")
	if err != nil {
		return domain.AttachmentRow{}, err
	}

	width, height := image.Width, image.Height
	return domain.AttachmentRow{
		ID:     ref.ID,
		Name:   hosted.Name,
		Type:   domain.StoredSticker,
		URL:    hosted.URL,
		Width:  &width,
		Height: &height,
	}, nil
}

// ReuploadAvatar загружает фотографию профиля участника и возвращает новый URL.
func (r *Resolver) ReuploadAvatar(ctx context.Context, p domain.Participant) (string, error) {
	if p.AvatarURL == "" {
		return "", ErrNoSourceURL
	}
	hosted, err := r.reupload(ctx, p.AvatarURL, fmt.Sprintf("profile_picture-%s.jpg", sanitize(p.ID)), "")
	if err != nil {
		return "", err
	}
	return hosted.URL, nil
}

func sanitize(id string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(id)
}
