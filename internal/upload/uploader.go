// Package upload повторно размещает бинарные вложения на внешнем файловом
// хостинге, совместимом с вебхуками Discord.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"syscall"
	"time"

	"github.com/google/uuid"

	"chat-archiver/internal/domain"
	"chat-archiver/internal/pkg/retry"
	"chat-archiver/internal/ports"
)

// DefaultMaxSize — максимальный размер файла, принимаемый хостингом.
const DefaultMaxSize int64 = 25_000_000

var (
	// ErrTooLarge — объявленный размер файла превышает лимит хостинга.
	ErrTooLarge = errors.New("attachment exceeds host size limit")
	// ErrDownloadFailed — файл не удалось скачать из источника.
	ErrDownloadFailed = errors.New("attachment download failed")
	// ErrRejected — хостинг окончательно отказал в загрузке.
	ErrRejected = errors.New("host rejected upload")
)

// Config хранит настройки Uploader.
type Config struct {
	// MaxSize — предельный размер файла в байтах.
	MaxSize int64
	// Download — политика повторов при сетевых ошибках скачивания.
	Download retry.Policy
	// RateLimitFallback — пауза, если хостинг не прислал заголовок сброса.
	RateLimitFallback time.Duration
	// RefererScheme и ClientID образуют заголовок Referer
	// вида <scheme>://<clientID>/<referer>.
	RefererScheme string
	ClientID      string
}

// Option — функциональная опция для настройки Uploader.
type Option func(*Uploader)

// WithLogger устанавливает логгер.
func WithLogger(l *slog.Logger) Option {
	return func(u *Uploader) {
		if l != nil {
			u.log = l
		}
	}
}

// WithHTTPClient устанавливает HTTP-клиент для запросов к хостингу.
func WithHTTPClient(c *http.Client) Option {
	return func(u *Uploader) {
		if c != nil {
			u.http = c
		}
	}
}

// WithMaxSize устанавливает предельный размер файла.
func WithMaxSize(n int64) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.config.MaxSize = n
		}
	}
}

// WithDownloadPolicy устанавливает политику повторов скачивания.
func WithDownloadPolicy(p retry.Policy) Option {
	return func(u *Uploader) {
		u.config.Download = p
	}
}

// WithRateLimitFallback устанавливает паузу на случай ответа 429 без заголовков сброса.
func WithRateLimitFallback(d time.Duration) Option {
	return func(u *Uploader) {
		if d > 0 {
			u.config.RateLimitFallback = d
		}
	}
}

// WithReferer устанавливает схему и идентификатор клиента для заголовка Referer.
func WithReferer(scheme, clientID string) Option {
	return func(u *Uploader) {
		if scheme != "" {
			u.config.RefererScheme = scheme
		}
		if clientID != "" {
			u.config.ClientID = clientID
		}
	}
}

// WithTimers подменяет таймеры пауз (в тестах паузы мгновенные).
func WithTimers(f retry.TimerFactory) Option {
	return func(u *Uploader) {
		u.timers = f
	}
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(u *Uploader) {
		if now != nil {
			u.now = now
		}
	}
}

// Uploader скачивает файл из источника и загружает его на хостинг.
// Не хранит состояния между вызовами и безопасен для одновременного использования.
type Uploader struct {
	source ports.Downloader
	http   *http.Client
	config Config
	timers retry.TimerFactory
	now    func() time.Time
	log    *slog.Logger
}

// New создает Uploader. source выполняет аутентифицированное скачивание.
func New(source ports.Downloader, opts ...Option) *Uploader {
	u := &Uploader{
		source: source,
		http:   &http.Client{Timeout: 2 * time.Minute},
		config: Config{
			MaxSize:           DefaultMaxSize,
			Download:          retry.Exponential(time.Second, 10),
			RateLimitFallback: 60 * time.Second,
			RefererScheme:     "archiver",
			ClientID:          uuid.NewString(),
		},
		now: time.Now,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Reupload скачивает файл по url и загружает его на target под именем filename.
func (u *Uploader) Reupload(ctx context.Context, url, filename, target, referer string) (*domain.HostedFile, error) {
	data, err := u.download(ctx, url, referer)
	if err != nil {
		return nil, err
	}
	return u.Upload(ctx, data, filename, target)
}

func (u *Uploader) refererHeader(referer string) string {
	if referer == "" {
		referer = "unknown"
	}
	return fmt.Sprintf("%s://%s/%s", u.config.RefererScheme, u.config.ClientID, referer)
}

func (u *Uploader) download(ctx context.Context, url, referer string) ([]byte, error) {
	var data []byte
	attempt := 0

	op := func() error {
		attempt++
		body, size, err := u.source.Open(ctx, url, u.refererHeader(referer))
		if err != nil {
			return classifyDownload(err)
		}
		defer body.Close()

		if size > u.config.MaxSize {
			return retry.Permanent(fmt.Errorf("%w: %d bytes", ErrTooLarge, size))
		}

		// Размер может быть неизвестен, поэтому читаем не больше лимита + 1 байт.
		buf, err := io.ReadAll(io.LimitReader(body, u.config.MaxSize+1))
		if err != nil {
			return classifyDownload(err)
		}
		if int64(len(buf)) > u.config.MaxSize {
			return retry.Permanent(fmt.Errorf("%w: more than %d bytes", ErrTooLarge, u.config.MaxSize))
		}
		data = buf
		return nil
	}

	notify := func(err error, wait time.Duration) {
		u.log.DebugContext(ctx, "Download failed, retrying", "url", url, "attempt", attempt, "wait", wait, "error", err)
	}

	err := retry.Do(ctx, u.config.Download.NewBackOff(), op, notify, u.timers)
	if err != nil {
		if errors.Is(err, ErrTooLarge) || ctx.Err() != nil {
			return nil, err
		}
		u.log.WarnContext(ctx, "Could not download attachment", "url", url, "attempts", attempt, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	return data, nil
}

// classifyDownload оставляет повторяемыми только сетевые ошибки:
// обрыв соединения, неполное тело, таймаут.
func classifyDownload(err error) error {
	if isTransient(err) {
		return err
	}
	return retry.Permanent(err)
}

func isTransient(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

type payloadAttachment struct {
	ID       int    `json:"id"`
	Filename string `json:"filename"`
}

type payload struct {
	Attachments []payloadAttachment `json:"attachments"`
	Content     string              `json:"content"`
}

type hostedAttachment struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// Upload загружает data на target под именем filename.
// Ограничения частоты хостинга пережидаются без ограничения числа попыток.
func (u *Uploader) Upload(ctx context.Context, data []byte, filename, target string) (*domain.HostedFile, error) {
	if int64(len(data)) > u.config.MaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	body, contentType, err := multipartBody(data, filename)
	if err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}

	hint := retry.NewHinted(u.config.RateLimitFallback)
	var result *domain.HostedFile

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := u.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return retry.Permanent(fmt.Errorf("%w: %w", ErrRejected, err))
		}
		defer resp.Body.Close()

		wait := rateLimitDelay(resp.Header, u.now(), u.config.RateLimitFallback)
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			hint.Set(wait)
			return fmt.Errorf("read host response: %w", err)
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			// Не JSON: как правило, страница ограничения частоты от прокси.
			hint.Set(wait)
			return fmt.Errorf("non-JSON host response (status %d)", resp.StatusCode)
		}

		rawAttachments, ok := fields["attachments"]
		if !ok {
			if _, throttled := fields["retry_after"]; throttled {
				hint.Set(wait)
				return fmt.Errorf("host rate limited (status %d)", resp.StatusCode)
			}
			return retry.Permanent(fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, truncate(raw, 200)))
		}

		var attachments []hostedAttachment
		if err := json.Unmarshal(rawAttachments, &attachments); err != nil || len(attachments) == 0 {
			return retry.Permanent(fmt.Errorf("%w: empty attachments in response", ErrRejected))
		}
		result = &domain.HostedFile{Name: attachments[0].Filename, URL: attachments[0].URL}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		u.log.InfoContext(ctx, "Host rate limit hit, waiting", "filename", filename, "wait", wait, "error", err)
	}

	if err := retry.Do(ctx, hint, op, notify, u.timers); err != nil {
		if ctx.Err() == nil {
			u.log.WarnContext(ctx, "Upload failed", "filename", filename, "error", err)
		}
		return nil, err
	}
	return result, nil
}

func multipartBody(data []byte, filename string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[0]"; filename=%q`, filename))
	h.Set("Content-Type", "application/octet-stream")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}

	meta, err := json.Marshal(payload{
		Attachments: []payloadAttachment{{ID: 0, Filename: filename}},
		Content:     "",
	})
	if err != nil {
		return nil, "", err
	}
	if err := w.WriteField("payload_json", string(meta)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
