package services

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-archiver/internal/domain"
)

func TestWriter_AppliesInOrderAndCounts(t *testing.T) {
	store := newMemoryStore()
	metrics := NewMetrics(prometheus.NewRegistry())
	progress := NewProgress("c1", 10, metrics)
	w := NewWriter(store, WithLogger(discardLogger()))

	in := make(chan domain.WriteBatch, 4)
	in <- domain.WriteBatch{Message: &domain.MessageRow{ID: "m1", ChannelID: "c1"}}
	in <- domain.WriteBatch{}
	in <- domain.WriteBatch{Attachments: []domain.AttachmentRow{{ID: "a1"}, {ID: "a2"}}}
	in <- domain.WriteBatch{Message: &domain.MessageRow{ID: "m2", ChannelID: "c1"}, Attachments: []domain.AttachmentRow{{ID: "a3"}}}
	close(in)

	require.NoError(t, w.Run(context.Background(), in, progress))

	require.Len(t, store.batches, 3, "пустые пакеты пропускаются")
	assert.Equal(t, "m1", store.batches[0].Message.ID)
	assert.Equal(t, int64(2), progress.Messages())
	assert.Equal(t, int64(3), progress.Attachments())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.MessagesPersisted.WithLabelValues("c1")))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.AttachmentsPersisted.WithLabelValues("c1")))
}

func TestWriter_StoreErrorIsFatal(t *testing.T) {
	store := newMemoryStore()
	store.failOn = 2
	progress := NewProgress("c1", 0, nil)
	w := NewWriter(store, WithLogger(discardLogger()))

	in := make(chan domain.WriteBatch, 3)
	in <- domain.WriteBatch{Message: &domain.MessageRow{ID: "m1"}}
	in <- domain.WriteBatch{Message: &domain.MessageRow{ID: "m2"}}
	in <- domain.WriteBatch{Message: &domain.MessageRow{ID: "m3"}}
	close(in)

	err := w.Run(context.Background(), in, progress)

	assert.ErrorIs(t, err, ErrStoreFailed)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, int64(1), progress.Messages())
}

func TestWriter_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewWriter(newMemoryStore(), WithLogger(discardLogger()))

	err := w.Run(ctx, make(chan domain.WriteBatch), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProgress_PagesAndExpected(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	p := NewProgress("c9", -5, metrics)
	p.AddPage()
	p.AddPage()
	p.AddMessages(0)

	assert.Equal(t, int64(0), p.Expected())
	assert.Equal(t, int64(2), p.Pages())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PagesFetched.WithLabelValues("c9")))
}
