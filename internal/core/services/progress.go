package services

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics — счетчики Prometheus, общие для всех каналов процесса.
type Metrics struct {
	MessagesPersisted    *prometheus.CounterVec
	AttachmentsPersisted *prometheus.CounterVec
	PagesFetched         *prometheus.CounterVec
}

// NewMetrics создает счетчики и регистрирует их в reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_messages_persisted_total",
			Help: "Messages written to the store.",
		}, []string{"channel"}),
		AttachmentsPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_attachments_persisted_total",
			Help: "Attachment rows written to the store.",
		}, []string{"channel"}),
		PagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_pages_fetched_total",
			Help: "History pages fetched from the message source.",
		}, []string{"channel"}),
	}
	if reg != nil {
		reg.MustRegister(m.MessagesPersisted, m.AttachmentsPersisted, m.PagesFetched)
	}
	return m
}

// Progress — монотонные счетчики одного канала. Безопасен для
// одновременного использования.
type Progress struct {
	channelID   string
	expected    int64
	messages    atomic.Int64
	attachments atomic.Int64
	pages       atomic.Int64

	messagesMetric    prometheus.Counter
	attachmentsMetric prometheus.Counter
	pagesMetric       prometheus.Counter
}

// NewProgress создает счетчики канала. expected — ожидаемое число новых
// сообщений (для журнала), m может быть nil.
func NewProgress(channelID string, expected int64, m *Metrics) *Progress {
	p := &Progress{channelID: channelID, expected: max(expected, 0)}
	if m != nil {
		p.messagesMetric = m.MessagesPersisted.WithLabelValues(channelID)
		p.attachmentsMetric = m.AttachmentsPersisted.WithLabelValues(channelID)
		p.pagesMetric = m.PagesFetched.WithLabelValues(channelID)
	}
	return p
}

// AddMessages увеличивает счетчик сохраненных сообщений.
func (p *Progress) AddMessages(n int64) {
	if n <= 0 {
		return
	}
	p.messages.Add(n)
	if p.messagesMetric != nil {
		p.messagesMetric.Add(float64(n))
	}
}

// AddAttachments увеличивает счетчик сохраненных вложений.
func (p *Progress) AddAttachments(n int64) {
	if n <= 0 {
		return
	}
	p.attachments.Add(n)
	if p.attachmentsMetric != nil {
		p.attachmentsMetric.Add(float64(n))
	}
}

// AddPage отмечает загруженную страницу истории.
func (p *Progress) AddPage() {
	p.pages.Add(1)
	if p.pagesMetric != nil {
		p.pagesMetric.Inc()
	}
}

func (p *Progress) Messages() int64    { return p.messages.Load() }
func (p *Progress) Attachments() int64 { return p.attachments.Load() }
func (p *Progress) Pages() int64       { return p.pages.Load() }
func (p *Progress) Expected() int64    { return p.expected }

// Report периодически пишет прогресс в журнал, пока ctx активен.
func (p *Progress) Report(ctx context.Context, log *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.InfoContext(ctx, "Archive progress",
					"channel_id", p.channelID,
					"messages", humanize.Comma(p.Messages())+"/"+humanize.Comma(p.expected),
					"attachments", humanize.Comma(p.Attachments()),
					"pages", p.Pages(),
				)
			}
		}
	}()
}
