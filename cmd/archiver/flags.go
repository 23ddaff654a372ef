package main

import (
	"flag"
	"fmt"
	"strings"

	"chat-archiver/internal/pkg/config"
)

// listFlag собирает повторяющийся флаг, допускающий и список через запятую.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, config.SplitList(v)...)
	return nil
}

// cliFlags — значения командной строки. Нулевые значения не перекрывают конфигурацию.
type cliFlags struct {
	configPath       string
	channels         listFlag
	dbPath           string
	webhooks         listFlag
	messagesPerFetch int
	credentials      string
}

func parseFlags(args []string) (*cliFlags, error) {
	f := &cliFlags{}
	fs := flag.NewFlagSet("archiver", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "config.yml", "Path to YAML config")
	fs.Var(&f.channels, "id", "Channel identifier (repeatable, comma separated)")
	fs.StringVar(&f.dbPath, "db", "", "Path to the archive database")
	fs.Var(&f.webhooks, "webhook", "Upload webhook URL (repeatable)")
	fs.IntVar(&f.messagesPerFetch, "messages-per-fetch", 0,
		fmt.Sprintf("Page size for history requests (default %d)", config.DefaultMessagesPerFetch))
	fs.StringVar(&f.credentials, "credentials", "", "Telegram session file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if f.messagesPerFetch < 0 {
		return nil, fmt.Errorf("-messages-per-fetch must be positive")
	}
	return f, nil
}

// apply перекрывает конфигурацию значениями флагов.
func (f *cliFlags) apply(cfg *config.Config) {
	if len(f.channels) > 0 {
		cfg.Channels = f.channels
	}
	if f.dbPath != "" {
		cfg.Storage.Path = f.dbPath
	}
	if len(f.webhooks) > 0 {
		cfg.Upload.Webhooks = f.webhooks
	}
	if f.messagesPerFetch > 0 {
		cfg.Source.MessagesPerFetch = f.messagesPerFetch
	}
	if f.credentials != "" && len(cfg.Source.Servers) > 0 {
		cfg.Source.Servers[0].SessionFile = f.credentials
	}
}
