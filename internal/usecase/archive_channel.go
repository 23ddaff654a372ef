// Package usecase связывает компоненты конвейера в архивацию каналов.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"chat-archiver/internal/core/services"
	"chat-archiver/internal/domain"
	"chat-archiver/internal/ports"
)

const (
	defaultChannelName = "No name"

	DefaultWriterQueueSize     = 1024
	DefaultAttachmentQueueSize = 256
	DefaultProgressInterval    = 30 * time.Second

	avatarConcurrency = 8
)

var (
	// ErrChannelUnavailable — метаданные канала не получены; канал пропускается.
	ErrChannelUnavailable = errors.New("channel metadata unavailable")
	// ErrMissingCanonicalID — источник вернул метаданные без идентификатора канала.
	ErrMissingCanonicalID = errors.New("channel metadata has no canonical id")
)

// Config хранит настройки архивации.
type Config struct {
	PageSize            int
	PoolSize            int // 0 — размер по умолчанию
	WriterQueueSize     int
	AttachmentQueueSize int
	ProgressInterval    time.Duration
	RateLimitWait       time.Duration
}

// ChannelResult — итог архивации одного канала.
type ChannelResult struct {
	RunID       string
	ChannelID   string // идентификатор, переданный вызывающей стороной
	CanonicalID string
	Name        string
	Messages    int64
	Attachments int64
	Duration    time.Duration
	Err         error
}

// Option — функциональная опция для ArchiveChannelUseCase.
type Option func(*ArchiveChannelUseCase)

// WithLogger устанавливает логгер.
func WithLogger(l *slog.Logger) Option {
	return func(uc *ArchiveChannelUseCase) {
		if l != nil {
			uc.log = l
		}
	}
}

// WithRunRegistry включает учет запусков.
func WithRunRegistry(r ports.RunRegistry) Option {
	return func(uc *ArchiveChannelUseCase) {
		uc.runs = r
	}
}

// WithMetrics включает счетчики Prometheus.
func WithMetrics(m *services.Metrics) Option {
	return func(uc *ArchiveChannelUseCase) {
		uc.metrics = m
	}
}

// WithServiceOptions передает опции компонентам конвейера (таймеры, часы).
func WithServiceOptions(opts ...services.Option) Option {
	return func(uc *ArchiveChannelUseCase) {
		uc.svcOpts = append(uc.svcOpts, opts...)
	}
}

// ArchiveChannelUseCase архивирует каналы по одному.
type ArchiveChannelUseCase struct {
	source   ports.MessageSource
	store    ports.Store
	uploader ports.Uploader
	targets  []string
	cfg      Config
	runs     ports.RunRegistry
	metrics  *services.Metrics
	svcOpts  []services.Option
	log      *slog.Logger
}

// NewArchiveChannelUseCase создает сценарий архивации. Без целей загрузки
// вложения и аватары не загружаются.
func NewArchiveChannelUseCase(
	source ports.MessageSource,
	store ports.Store,
	uploader ports.Uploader,
	targets []string,
	cfg Config,
	opts ...Option,
) *ArchiveChannelUseCase {
	if cfg.WriterQueueSize <= 0 {
		cfg.WriterQueueSize = DefaultWriterQueueSize
	}
	if cfg.AttachmentQueueSize <= 0 {
		cfg.AttachmentQueueSize = DefaultAttachmentQueueSize
	}
	uc := &ArchiveChannelUseCase{
		source:   source,
		store:    store,
		uploader: uploader,
		targets:  targets,
		cfg:      cfg,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

func (uc *ArchiveChannelUseCase) serviceOptions(log *slog.Logger) []services.Option {
	return append([]services.Option{services.WithLogger(log)}, uc.svcOpts...)
}

// ArchiveAll архивирует каналы последовательно. Ошибки отдельных каналов
// не прерывают обработку, ошибка хранилища останавливает ее.
func (uc *ArchiveChannelUseCase) ArchiveAll(ctx context.Context, channelIDs []string) ([]ChannelResult, error) {
	results := make([]ChannelResult, 0, len(channelIDs))
	var fatal []error

	for _, id := range channelIDs {
		res, err := uc.ArchiveChannel(ctx, id)
		results = append(results, res)
		if err == nil {
			continue
		}
		if errors.Is(err, services.ErrStoreFailed) || ctx.Err() != nil {
			fatal = append(fatal, fmt.Errorf("channel %s: %w", id, err))
			break
		}
		uc.log.WarnContext(ctx, "Channel skipped", "channel_id", id, "error", err)
	}
	return results, errors.Join(fatal...)
}

// ArchiveChannel архивирует один канал и ждет завершения всех горутин конвейера.
func (uc *ArchiveChannelUseCase) ArchiveChannel(ctx context.Context, channelID string) (res ChannelResult, err error) {
	started := time.Now()
	res.ChannelID = channelID
	if uc.runs != nil {
		res.RunID = uc.runs.Create(channelID)
	}
	defer func() {
		res.Duration = time.Since(started)
		res.Err = err
		uc.finishRun(res.RunID, err)
	}()

	log := uc.log.With("channel_id", channelID)

	info, err := uc.source.FetchThreadInfo(ctx, channelID)
	if err != nil {
		log.ErrorContext(ctx, "Could not retrieve channel information", "error", err)
		return res, fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}
	if info == nil {
		log.ErrorContext(ctx, "Could not retrieve channel information")
		return res, ErrChannelUnavailable
	}
	if info.ID == "" {
		log.ErrorContext(ctx, "Channel metadata has no id, not archiving this channel")
		return res, ErrMissingCanonicalID
	}
	if info.ID != channelID {
		log.WarnContext(ctx, "Source returned a different channel id", "canonical_id", info.ID)
		log = uc.log.With("channel_id", info.ID)
	}
	res.CanonicalID = info.ID
	res.Name = info.Name
	if res.Name == "" {
		res.Name = defaultChannelName
	}

	if err := uc.store.UpsertChannel(ctx, domain.ChannelRow{ID: info.ID, Name: res.Name}); err != nil {
		return res, fmt.Errorf("%w: %w", services.ErrStoreFailed, err)
	}

	resolver := services.NewResolver(uc.source, uc.uploader, uc.targets, uc.serviceOptions(log)...)
	if !resolver.Enabled() {
		log.WarnContext(ctx, "No upload targets configured, attachments will not be archived")
	}

	log.InfoContext(ctx, "Fetching participants", "name", res.Name, "participants", len(info.Participants))
	if err := uc.store.UpsertParticipants(ctx, uc.participantRows(ctx, log, resolver, info.Participants)); err != nil {
		return res, fmt.Errorf("%w: %w", services.ErrStoreFailed, err)
	}

	index, err := services.LoadResumeIndex(ctx, uc.store, info.ID, resolver.Enabled())
	if err != nil {
		return res, fmt.Errorf("%w: %w", services.ErrStoreFailed, err)
	}

	progress := services.NewProgress(info.ID, info.MessagesCount-int64(index.Messages()), uc.metrics)
	if uc.runs != nil {
		_ = uc.runs.Processing(res.RunID, func() (int64, int64) {
			return progress.Messages(), progress.Attachments()
		})
	}
	defer func() {
		res.Messages = progress.Messages()
		res.Attachments = progress.Attachments()
	}()

	log.InfoContext(ctx, "Archiving channel",
		"stored_messages", index.Messages(),
		"stored_attachments", index.Attachments(),
		"expected_new", progress.Expected(),
	)

	return res, uc.run(ctx, log, info.ID, resolver, index, progress)
}

// run запускает писателя, пул конвертации и пагинатор, затем дожидается
// опустошения очередей: сначала очереди вложений, потом очереди писателя.
func (uc *ArchiveChannelUseCase) run(
	ctx context.Context,
	log *slog.Logger,
	channelID string,
	resolver *services.Resolver,
	index *services.ResumeIndex,
	progress *services.Progress,
) error {
	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	interval := uc.cfg.ProgressInterval
	if interval == 0 {
		interval = DefaultProgressInterval
	}
	progress.Report(reportCtx, log, interval)
	resolver.StartCacheCleanup(reportCtx, interval)

	g, gctx := errgroup.WithContext(ctx)
	opts := uc.serviceOptions(log)

	writerQ := make(chan domain.WriteBatch, uc.cfg.WriterQueueSize)
	writer := services.NewWriter(uc.store, opts...)
	g.Go(func() error {
		return writer.Run(gctx, writerQ, progress)
	})

	var poolQ chan domain.Message
	poolDone := make(chan struct{})
	if resolver.Enabled() {
		poolQ = make(chan domain.Message, uc.cfg.AttachmentQueueSize)
		pool := services.NewConversionPool(resolver, uc.cfg.PoolSize, opts...)
		log.DebugContext(ctx, "Starting conversion pool", "workers", pool.Size())
		g.Go(func() error {
			defer close(poolDone)
			return pool.Run(gctx, channelID, index, poolQ, writerQ)
		})
	} else {
		close(poolDone)
	}

	paginator := services.NewPaginator(uc.source, services.PaginatorConfig{
		PageSize:      uc.cfg.PageSize,
		RateLimitWait: uc.cfg.RateLimitWait,
	}, opts...)
	sink := services.Sink{Index: index, Writer: writerQ, Progress: progress}
	if poolQ != nil {
		sink.Pool = poolQ
	}
	pageErr := paginator.Run(gctx, channelID, sink)

	if poolQ != nil {
		close(poolQ)
	}
	<-poolDone
	close(writerQ)

	if err := g.Wait(); err != nil {
		return err
	}
	if pageErr != nil {
		return pageErr
	}

	log.InfoContext(ctx, "Channel archived",
		"messages", progress.Messages(),
		"attachments", progress.Attachments(),
		"pages", progress.Pages(),
		"cached_stickers", resolver.CachedStickers(),
	)
	return nil
}

// participantRows строит строки участников, одновременно загружая аватары.
// Неудачная загрузка оставляет аватар пустым, существующий не затирается.
func (uc *ArchiveChannelUseCase) participantRows(ctx context.Context, log *slog.Logger, resolver *services.Resolver, participants []domain.Participant) []domain.UserRow {
	rows := make([]domain.UserRow, len(participants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(avatarConcurrency)
	for i, p := range participants {
		name := p.Name
		if name == "" {
			name = services.DefaultUserName
		}
		rows[i] = domain.UserRow{ID: p.ID, Name: name}

		if !resolver.Enabled() || p.AvatarURL == "" {
			continue
		}
		g.Go(func() error {
			url, err := resolver.ReuploadAvatar(gctx, p)
			if err != nil {
				log.WarnContext(gctx, "Failed to re-host profile picture", "user_id", p.ID, "error", err)
				return nil
			}
			rows[i].AvatarURL = &url
			return nil
		})
	}
	_ = g.Wait()
	return rows
}

func (uc *ArchiveChannelUseCase) finishRun(runID string, err error) {
	if uc.runs == nil || runID == "" {
		return
	}
	if err != nil {
		_ = uc.runs.Fail(runID, err)
		return
	}
	_ = uc.runs.Complete(runID)
}
