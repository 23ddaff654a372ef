package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"

	trm "chat-archiver/internal/pkg/term"
	"chat-archiver/internal/ports"
)

var (
	// ErrFloodWaitActive возвращается, когда клиент не может выполнить запрос из-за активного ограничения FLOOD_WAIT.
	ErrFloodWaitActive = errors.New("client is in flood wait")
	// floodWaitRegex используется для парсинга длительности ожидания из сообщения об ошибке.
	floodWaitRegex = regexp.MustCompile(`FLOOD_WAIT \((\d+)\)`)
)

var _ ports.TelegramClient = (*Client)(nil)

// telegramAPI представляет необработанные методы API, которые мы используем.
type telegramAPI interface {
	UsersGetUsers(ctx context.Context, request []tg.InputUserClass) ([]tg.UserClass, error)
	ContactsResolveUsername(ctx context.Context, req *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error)
	ChannelsGetFullChannel(ctx context.Context, channel tg.InputChannelClass) (*tg.MessagesChatFull, error)
	ChannelsGetParticipants(ctx context.Context, req *tg.ChannelsGetParticipantsRequest) (tg.ChannelsChannelParticipantsClass, error)
	MessagesGetHistory(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	UploadGetFile(ctx context.Context, req *tg.UploadGetFileRequest) (tg.UploadFileClass, error)
	HelpGetConfig(ctx context.Context) (*tg.Config, error)
}

// telegramAuth представляет клиент аутентификации.
type telegramAuth interface {
	auth.FlowClient
}

// telegramRunner определяет зависимости от клиента gotd.
type telegramRunner interface {
	Run(ctx context.Context, f func(ctx context.Context) error) error
	API() telegramAPI
	Auth() telegramAuth
}

// prodRunner является оберткой вокруг реального *telegram.Client.
type prodRunner struct {
	*telegram.Client
}

func (p *prodRunner) API() telegramAPI {
	return p.Client.API()
}

func (p *prodRunner) Auth() telegramAuth {
	return p.Client.Auth()
}

type authFlow interface {
	Run(ctx context.Context, client auth.FlowClient) error
}

// Client — потокобезопасный клиент MTProto с учетом FLOOD_WAIT и интерактивным входом.
type Client struct {
	id         string
	tgRunner   telegramRunner
	authFlow   authFlow
	isTerminal func(fd int) bool
	clock      func() time.Time
	log        *slog.Logger

	mu             sync.RWMutex
	unhealthyUntil time.Time
	runErr         chan error
	startOnce      sync.Once
}

// Config содержит параметры одного аккаунта.
// SessionPath — хранилище учетных данных между запусками.
type Config struct {
	APIID       int
	APIHash     string
	PhoneNumber string
	SessionPath string
}

// ClientOption определяет функциональную опцию для конфигурации клиента.
type ClientOption func(*Client)

// WithLogger устанавливает логгер для клиента.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient создает новый экземпляр Client.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	termAuth := trm.NewTerminal(cfg.PhoneNumber)

	tgClient := telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionPath},
	})

	c := &Client{
		// Идентификатор стабилен для одного файла сессии.
		id:         uuid.NewSHA1(uuid.NameSpaceURL, []byte("tgsession:"+cfg.SessionPath)).String(),
		tgRunner:   &prodRunner{Client: tgClient},
		authFlow:   auth.NewFlow(termAuth, auth.SendCodeOptions{}),
		isTerminal: term.IsTerminal,
		clock:      time.Now,
		log:        slog.Default(),
		runErr:     make(chan error, 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ID возвращает уникальный идентификатор клиента.
func (c *Client) ID() string {
	return c.id
}

// Start запускает фоновый процесс клиента, включая аутентификацию.
// Должен быть вызван один раз перед использованием клиента.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go func() {
			c.log.InfoContext(ctx, "Starting telegram client background runner", "client_id", c.id)
			err := c.tgRunner.Run(ctx, func(runCtx context.Context) error {
				if _, err := c.tgRunner.API().UsersGetUsers(runCtx, []tg.InputUserClass{&tg.InputUserSelf{}}); err != nil {
					if strings.Contains(err.Error(), "AUTH_KEY_UNREGISTERED") {
						c.log.WarnContext(runCtx, "Session check failed, attempting interactive auth", "client_id", c.id, "reason", "AUTH_KEY_UNREGISTERED")
					} else {
						c.log.WarnContext(runCtx, "Session check failed, attempting interactive auth", "client_id", c.id, "error", err)
					}
					if !c.isTerminal(int(os.Stdout.Fd())) {
						return fmt.Errorf("session is invalid and cannot perform interactive auth in non-terminal: %w", err)
					}
					if authErr := c.authFlow.Run(runCtx, c.tgRunner.Auth()); authErr != nil {
						return fmt.Errorf("interactive auth failed: %w", authErr)
					}
					c.log.InfoContext(runCtx, "Interactive auth successful, session saved", "client_id", c.id)
				}
				c.log.InfoContext(runCtx, "Telegram client authenticated and ready", "client_id", c.id)

				<-runCtx.Done()
				return runCtx.Err()
			})

			if err != nil && !errors.Is(err, context.Canceled) {
				c.log.ErrorContext(ctx, "Telegram client background runner exited with error", "client_id", c.id, "error", err)
			} else {
				c.log.InfoContext(ctx, "Telegram client background runner stopped", "client_id", c.id)
			}

			c.runErr <- err
			close(c.runErr)
		}()
	})
}

// Health проверяет работоспособность клиента.
// Если активен FLOOD_WAIT, возвращает ошибку без обращения к API.
func (c *Client) Health(ctx context.Context) error {
	if err := c.checkHealthStatus(); err != nil {
		return err
	}
	return c.do(ctx, func(ctx context.Context) error {
		_, err := c.tgRunner.API().HelpGetConfig(ctx)
		return err
	})
}

// call выполняет один метод API через do и логирует неудачу.
func call[T any](ctx context.Context, c *Client, method string, f func(ctx context.Context, api telegramAPI) (T, error)) (T, error) {
	var result T
	c.log.DebugContext(ctx, "Executing API call", "method", method)
	err := c.do(ctx, func(ctx context.Context) error {
		res, err := f(ctx, c.tgRunner.API())
		if err == nil {
			result = res
		}
		return err
	})
	// FLOOD_WAIT уже залогирован в handleError.
	if err != nil && !errors.Is(err, ErrFloodWaitActive) {
		c.log.WarnContext(ctx, "API call failed", "method", method, "error", err)
	}
	return result, err
}

// ContactsResolveUsername выполняет запрос contacts.resolveUsername.
func (c *Client) ContactsResolveUsername(ctx context.Context, req *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error) {
	return call(ctx, c, "contacts.resolveUsername", func(ctx context.Context, api telegramAPI) (*tg.ContactsResolvedPeer, error) {
		return api.ContactsResolveUsername(ctx, req)
	})
}

// ChannelsGetFullChannel выполняет запрос channels.getFullChannel.
func (c *Client) ChannelsGetFullChannel(ctx context.Context, channel tg.InputChannelClass) (*tg.MessagesChatFull, error) {
	return call(ctx, c, "channels.getFullChannel", func(ctx context.Context, api telegramAPI) (*tg.MessagesChatFull, error) {
		return api.ChannelsGetFullChannel(ctx, channel)
	})
}

// ChannelsGetParticipants выполняет запрос channels.getParticipants.
func (c *Client) ChannelsGetParticipants(ctx context.Context, req *tg.ChannelsGetParticipantsRequest) (tg.ChannelsChannelParticipantsClass, error) {
	return call(ctx, c, "channels.getParticipants", func(ctx context.Context, api telegramAPI) (tg.ChannelsChannelParticipantsClass, error) {
		return api.ChannelsGetParticipants(ctx, req)
	})
}

// MessagesGetHistory выполняет запрос messages.getHistory.
func (c *Client) MessagesGetHistory(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
	return call(ctx, c, "messages.getHistory", func(ctx context.Context, api telegramAPI) (tg.MessagesMessagesClass, error) {
		return api.MessagesGetHistory(ctx, req)
	})
}

// UploadGetFile выполняет запрос upload.getFile.
func (c *Client) UploadGetFile(ctx context.Context, req *tg.UploadGetFileRequest) (tg.UploadFileClass, error) {
	return call(ctx, c, "upload.getFile", func(ctx context.Context, api telegramAPI) (tg.UploadFileClass, error) {
		return api.UploadGetFile(ctx, req)
	})
}

// do проверяет состояние клиента, выполняет операцию и обрабатывает ошибки.
func (c *Client) do(ctx context.Context, f func(ctx context.Context) error) error {
	if err := c.checkHealthStatus(); err != nil {
		c.log.WarnContext(ctx, "Client is unhealthy, aborting call", "error", err)
		return err
	}

	opErr := f(ctx)
	if opErr != nil {
		c.handleError(opErr)

		// Проверяем, не завершился ли фоновый процесс клиента.
		select {
		case runErr, ok := <-c.runErr:
			if ok && runErr != nil {
				return fmt.Errorf("клиент telegram не запущен: %w (ошибка операции: %v)", runErr, opErr)
			}
		default:
		}
	}

	return opErr
}

// checkHealthStatus проверяет, не находится ли клиент в состоянии FLOOD_WAIT.
func (c *Client) checkHealthStatus() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.unhealthyUntil.IsZero() && c.clock().Before(c.unhealthyUntil) {
		return fmt.Errorf("%w: active until %v", ErrFloodWaitActive, c.unhealthyUntil)
	}
	return nil
}

// handleError ищет FLOOD_WAIT и обновляет состояние клиента.
func (c *Client) handleError(err error) {
	if waitDuration, ok := parseFloodWait(err); ok {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.unhealthyUntil = c.clock().Add(waitDuration)
		c.log.Warn("Client got FLOOD_WAIT, set unhealthy", "wait_duration", waitDuration, "until", c.unhealthyUntil)
	}
}

// IsFloodWait сообщает, содержит ли ошибка требование FLOOD_WAIT.
func IsFloodWait(err error) bool {
	_, ok := parseFloodWait(err)
	return ok
}

// parseFloodWait извлекает длительность ожидания из ошибки.
func parseFloodWait(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}

	matches := floodWaitRegex.FindStringSubmatch(err.Error())
	if len(matches) < 2 {
		return 0, false
	}

	seconds, convErr := strconv.Atoi(matches[1])
	if convErr != nil {
		return 0, false
	}

	return time.Duration(seconds) * time.Second, true
}
