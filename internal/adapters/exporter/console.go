// Package exporter выводит итоги архивации.
package exporter

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"chat-archiver/internal/storage/sqlite"
	"chat-archiver/internal/usecase"
)

// StatsReader отдает накопленную статистику канала из хранилища.
type StatsReader interface {
	Stats(ctx context.Context, channelID string) (sqlite.ChannelStats, error)
}

// ConsoleExporter печатает сводку запуска в консоль.
type ConsoleExporter struct {
	out   io.Writer
	stats StatsReader
}

// NewConsoleExporter создает новый экземпляр ConsoleExporter.
// stats может быть nil, тогда итоги по хранилищу не печатаются.
func NewConsoleExporter(out io.Writer, stats StatsReader) *ConsoleExporter {
	return &ConsoleExporter{out: out, stats: stats}
}

// Export выводит итог по каждому каналу.
func (e *ConsoleExporter) Export(ctx context.Context, results []usecase.ChannelResult) error {
	fmt.Fprintln(e.out, "--- Archive Summary ---")
	if len(results) == 0 {
		fmt.Fprintln(e.out, "No channels archived.")
		return nil
	}

	var failed int
	for i, res := range results {
		if res.Err != nil {
			failed++
			fmt.Fprintf(e.out, "%d. %s: FAILED: %v\n", i+1, res.ChannelID, res.Err)
			if res.CanonicalID == "" {
				continue
			}
		} else {
			fmt.Fprintf(e.out, "%d. %s (%s): %s new messages, %s attachments in %s\n",
				i+1, res.Name, res.CanonicalID,
				humanize.Comma(res.Messages), humanize.Comma(res.Attachments),
				res.Duration.Round(time.Millisecond))
		}

		if e.stats == nil {
			continue
		}
		st, err := e.stats.Stats(ctx, res.CanonicalID)
		if err != nil {
			return fmt.Errorf("failed to read stats: %w", err)
		}
		fmt.Fprintf(e.out, "   stored: %s messages, %s attachments, %s reactions\n",
			humanize.Comma(st.Messages), humanize.Comma(st.Attachments), humanize.Comma(st.Reactions))
	}

	fmt.Fprintf(e.out, "Channels: %d, failed: %d\n", len(results), failed)
	return nil
}
