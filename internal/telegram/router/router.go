package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chat-archiver/internal/pkg/balancer"
	"chat-archiver/internal/pkg/config"
	"chat-archiver/internal/ports"
	"chat-archiver/internal/telegram"

	"github.com/gotd/td/tg"
)

var (
	// ErrNoHealthyClients возвращается, когда в пуле нет доступных для работы клиентов.
	ErrNoHealthyClients = errors.New("no healthy clients available")
	// ErrClientNotFound возвращается, когда клиент с указанным ID не найден.
	ErrClientNotFound = errors.New("client not found")
)

var _ ports.TelegramRouter = (*Router)(nil)

// Option определяет функциональную опцию для конфигурации роутера.
type Option func(*Router)

// WithServerConfigs — опция для передачи конфигураций аккаунтов.
// Клиенты будут созданы внутри роутера.
func WithServerConfigs(serverConfigs []config.TelegramAPIServer) Option {
	return func(r *Router) {
		clients := make([]ports.TelegramClient, 0, len(serverConfigs))
		for _, srvCfg := range serverConfigs {
			client := telegram.NewClient(telegram.Config{
				APIID:       srvCfg.APIID,
				APIHash:     srvCfg.APIHash,
				PhoneNumber: srvCfg.PhoneNumber,
				SessionPath: srvCfg.SessionFile,
			}, telegram.WithLogger(r.log.With("session", srvCfg.SessionFile)))
			clients = append(clients, client)
		}
		r.clients = append(r.clients, clients...)
	}
}

// WithClients добавляет готовых клиентов.
func WithClients(clients ...ports.TelegramClient) Option {
	return func(r *Router) {
		r.clients = append(r.clients, clients...)
	}
}

// WithHealthCheckInterval — опция для установки интервала проверки работоспособности.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.healthCheckInterval = d
		}
	}
}

// WithStrategy — опция для установки стратегии выбора клиента.
func WithStrategy(s ports.Strategy[ports.TelegramClient]) Option {
	return func(r *Router) {
		if s != nil {
			r.strategy = s
		}
	}
}

// WithLogger — опция для установки логгера.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// Router управляет пулом клиентов Telegram, их состоянием и выбором.
type Router struct {
	mu        sync.RWMutex
	healthy   map[string]ports.TelegramClient
	unhealthy map[string]ports.TelegramClient
	strategy  ports.Strategy[ports.TelegramClient]
	log       *slog.Logger

	clients             []ports.TelegramClient
	healthCheckInterval time.Duration
	ticker              *time.Ticker
	done                chan struct{}
	stopOnce            sync.Once
	wg                  sync.WaitGroup
}

// NewRouter создает и запускает новый роутер.
func NewRouter(ctx context.Context, opts ...Option) (*Router, error) {
	r := &Router{
		healthy:             make(map[string]ports.TelegramClient),
		unhealthy:           make(map[string]ports.TelegramClient),
		strategy:            balancer.NewRoundRobinStrategy[ports.TelegramClient](),
		healthCheckInterval: 30 * time.Second,
		done:                make(chan struct{}),
		log:                 slog.Default().With("component", "router"),
	}

	for _, opt := range opts {
		opt(r)
	}

	if len(r.clients) == 0 {
		return nil, errors.New("no telegram accounts provided to router")
	}

	for _, c := range r.clients {
		c.Start(ctx)
		r.healthy[c.ID()] = c
	}
	r.clients = nil

	r.ticker = time.NewTicker(r.healthCheckInterval)
	r.wg.Add(1)
	go r.healthCheckLoop()

	return r, nil
}

// GetClient возвращает работоспособного клиента согласно текущей стратегии.
// Клиент обернут в clientWrapper для обработки ошибок "на лету".
func (r *Router) GetClient(ctx context.Context) (ports.TelegramClient, error) {
	r.mu.RLock()
	clients := make([]ports.TelegramClient, 0, len(r.healthy))
	for _, c := range r.healthy {
		clients = append(clients, c)
	}
	strategy := r.strategy
	r.mu.RUnlock()

	// Порядок map случаен, а round robin требует стабильного списка.
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID() < clients[j].ID() })

	client, err := strategy.Next(clients)
	if err != nil {
		if errors.Is(err, balancer.ErrEmpty) {
			return nil, ErrNoHealthyClients
		}
		return nil, fmt.Errorf("strategy failed to get next client: %w", err)
	}

	r.log.DebugContext(ctx, "Client selected by strategy", "client_id", client.ID())
	return r.wrap(client), nil
}

// Lookup возвращает клиента по ID, в том числе временно нездорового:
// файловые ссылки Telegram привязаны к аккаунту, который их выдал.
func (r *Router) Lookup(id string) (ports.TelegramClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.healthy[id]; ok {
		return r.wrap(c), nil
	}
	if c, ok := r.unhealthy[id]; ok {
		return r.wrap(c), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrClientNotFound, id)
}

// Stop останавливает фоновую проверку работоспособности клиентов.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		r.log.Info("stopping router...")
		r.ticker.Stop()
		close(r.done)
		r.wg.Wait()
		r.log.Info("router stopped")
	})
}

func (r *Router) wrap(c ports.TelegramClient) ports.TelegramClient {
	return &clientWrapper{TelegramClient: c, router: r}
}

func (r *Router) healthCheckLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ticker.C:
			r.checkUnhealthyClients()
		case <-r.done:
			return
		}
	}
}

// checkUnhealthyClients итерируется по нездоровым клиентам и проверяет их.
func (r *Router) checkUnhealthyClients() {
	r.mu.RLock()
	idsToCheck := make([]string, 0, len(r.unhealthy))
	for id := range r.unhealthy {
		idsToCheck = append(idsToCheck, id)
	}
	r.mu.RUnlock()

	if len(idsToCheck) == 0 {
		return
	}

	r.log.Debug("starting periodic health check for unhealthy clients", "count", len(idsToCheck))

	for _, id := range idsToCheck {
		r.mu.RLock()
		client, ok := r.unhealthy[id]
		r.mu.RUnlock()

		if !ok {
			continue
		}

		if err := client.Health(context.Background()); err == nil {
			r.log.Info("client recovered, moving back to healthy pool", "client_id", id)
			r.setClientHealthy(id)
		} else {
			r.log.Debug("Client remains unhealthy", "client_id", id, "reason", err)
		}
	}
}

// forceHealthCheck выполняет принудительную проверку клиента после ошибки.
func (r *Router) forceHealthCheck(client ports.TelegramClient) {
	if err := client.Health(context.Background()); err != nil {
		r.log.Warn("Клиент не прошел проверку после ошибки, перемещение в пул неработоспособных",
			"client_id", client.ID(),
			"reason", err,
		)
		r.setClientUnhealthy(client.ID())
	}
}

func (r *Router) setClientUnhealthy(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.healthy[id]
	if !ok {
		return
	}

	delete(r.healthy, id)
	r.unhealthy[id] = client

	r.log.Warn("Client moved to unhealthy pool", "client_id", id, "healthy_count", len(r.healthy), "unhealthy_count", len(r.unhealthy))
}

func (r *Router) setClientHealthy(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.unhealthy[id]
	if !ok {
		return
	}

	delete(r.unhealthy, id)
	r.healthy[id] = client

	r.log.Info("Client moved back to healthy pool", "client_id", id, "healthy_count", len(r.healthy), "unhealthy_count", len(r.unhealthy))
}

// clientWrapper перехватывает ошибки вызовов API и инициирует проверку клиента.
type clientWrapper struct {
	ports.TelegramClient
	router *Router
}

func (w *clientWrapper) handleError(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		go w.router.forceHealthCheck(w.TelegramClient)
	}
}

func (w *clientWrapper) ContactsResolveUsername(ctx context.Context, req *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error) {
	res, err := w.TelegramClient.ContactsResolveUsername(ctx, req)
	w.handleError(err)
	return res, err
}

func (w *clientWrapper) ChannelsGetFullChannel(ctx context.Context, channel tg.InputChannelClass) (*tg.MessagesChatFull, error) {
	res, err := w.TelegramClient.ChannelsGetFullChannel(ctx, channel)
	w.handleError(err)
	return res, err
}

func (w *clientWrapper) ChannelsGetParticipants(ctx context.Context, req *tg.ChannelsGetParticipantsRequest) (tg.ChannelsChannelParticipantsClass, error) {
	res, err := w.TelegramClient.ChannelsGetParticipants(ctx, req)
	w.handleError(err)
	return res, err
}

func (w *clientWrapper) MessagesGetHistory(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
	res, err := w.TelegramClient.MessagesGetHistory(ctx, req)
	w.handleError(err)
	return res, err
}

func (w *clientWrapper) UploadGetFile(ctx context.Context, req *tg.UploadGetFileRequest) (tg.UploadFileClass, error) {
	res, err := w.TelegramClient.UploadGetFile(ctx, req)
	w.handleError(err)
	return res, err
}
