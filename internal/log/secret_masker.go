package log

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

const mask = "***"

// SecretMaskerHandler — обертка для slog.Handler, которая маскирует секреты в логах:
// токены вебхуков и хеши Telegram API.
type SecretMaskerHandler struct {
	handler slog.Handler
}

// NewSecretMaskerHandler создает новый обработчик с маскировкой секретов.
func NewSecretMaskerHandler(handler slog.Handler) *SecretMaskerHandler {
	return &SecretMaskerHandler{
		handler: handler,
	}
}

var (
	// /api/webhooks/<id>/<token>: идентификатор остается, токен маскируется.
	webhookTokenRegex = regexp.MustCompile(`(/api/webhooks/\d+/)[A-Za-z0-9_.\-]+`)
	// api_hash=<hex> или api_hash: <hex> в тексте.
	apiHashRegex = regexp.MustCompile(`(?i)(api[_-]?hash["']?\s*[:=]\s*["']?)[0-9a-f]{32}`)
)

// secretKeys — атрибуты, значения которых скрываются целиком.
var secretKeys = []string{"api_hash", "apihash", "password", "token", "secret"}

// maskSecrets заменяет найденные секреты на маску.
func maskSecrets(text string) string {
	text = webhookTokenRegex.ReplaceAllString(text, "${1}"+mask)
	return apiHashRegex.ReplaceAllString(text, "${1}"+mask)
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	for _, k := range secretKeys {
		if strings.Contains(key, k) {
			return true
		}
	}
	return false
}

// Enabled реализует интерфейс slog.Handler.
func (h *SecretMaskerHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle реализует интерфейс slog.Handler.
func (h *SecretMaskerHandler) Handle(ctx context.Context, record slog.Record) error {
	// Собираем новую запись: исходную slog может переиспользовать.
	r := slog.NewRecord(record.Time, record.Level, maskSecrets(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		r.AddAttrs(maskAttr(a))
		return true
	})
	return h.handler.Handle(ctx, r)
}

// WithAttrs реализует интерфейс slog.Handler.
func (h *SecretMaskerHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		masked[i] = maskAttr(attr)
	}
	return &SecretMaskerHandler{
		handler: h.handler.WithAttrs(masked),
	}
}

// WithGroup реализует интерфейс slog.Handler.
func (h *SecretMaskerHandler) WithGroup(name string) slog.Handler {
	return &SecretMaskerHandler{
		handler: h.handler.WithGroup(name),
	}
}

func maskAttr(a slog.Attr) slog.Attr {
	if isSecretKey(a.Key) && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, mask)
	}
	return slog.Attr{Key: a.Key, Value: maskAttributeValue(a.Value)}
}

// maskAttributeValue рекурсивно маскирует значения атрибутов.
func maskAttributeValue(value slog.Value) slog.Value {
	switch value.Kind() {
	case slog.KindString:
		return slog.StringValue(maskSecrets(value.String()))
	case slog.KindAny:
		// Ошибки часто содержат URL запроса вместе с токеном.
		if err, ok := value.Any().(error); ok {
			return slog.StringValue(maskSecrets(err.Error()))
		}
		return value
	case slog.KindGroup:
		group := value.Group()
		maskedGroup := make([]slog.Attr, len(group))
		for i, attr := range group {
			maskedGroup[i] = maskAttr(attr)
		}
		return slog.GroupValue(maskedGroup...)
	case slog.KindLogValuer:
		return maskAttributeValue(value.Resolve())
	default:
		return value
	}
}

// NewMaskedLogger создает slog.Logger с маскировкой секретов.
func NewMaskedLogger(handler slog.Handler) *slog.Logger {
	return slog.New(NewSecretMaskerHandler(handler))
}
