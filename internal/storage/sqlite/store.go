// Package sqlite реализует хранилище архива поверх встроенной SQLite
// (modernc.org/sqlite, без cgo).
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"chat-archiver/internal/domain"
)

//go:embed schema.sql
var schema string

// ErrPathRequired возвращается, если путь к базе не задан.
var ErrPathRequired = errors.New("db path required")

// Store — хранилище архива. Все операции записи идемпотентны.
type Store struct {
	db *sql.DB
}

// Open открывает (или создает) файл базы и применяет схему.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, ErrPathRequired
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Писатель в процессе один, лишние соединения только мешают WAL.
	db.SetMaxOpenConns(1)
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenInMemory открывает базу в памяти. Используется в тестах.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func configure(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close закрывает базу.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertChannel создает канал или обновляет его название.
func (s *Store) UpsertChannel(ctx context.Context, ch domain.ChannelRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id, name) VALUES (?, ?) ON CONFLICT DO UPDATE SET name=excluded.name`,
		ch.ID, ch.Name,
	)
	if err != nil {
		return fmt.Errorf("upsert channel %s: %w", ch.ID, err)
	}
	return nil
}

// UpsertParticipants записывает участников из метаданных канала.
// Имя перезаписывается, аватар заменяется только непустым значением.
func (s *Store) UpsertParticipants(ctx context.Context, users []domain.UserRow) error {
	if len(users) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO users (id, name, avatar_url) VALUES (?, ?, ?)
			 ON CONFLICT DO UPDATE SET name=excluded.name,
			 avatar_url=coalesce(excluded.avatar_url, avatar_url)`)
		if err != nil {
			return fmt.Errorf("prepare participants: %w", err)
		}
		defer stmt.Close()

		for _, u := range users {
			if _, err := stmt.ExecContext(ctx, u.ID, u.Name, nullString(u.AvatarURL)); err != nil {
				return fmt.Errorf("upsert participant %s: %w", u.ID, err)
			}
		}
		return nil
	})
}

// ApplyBatch применяет пакет одной транзакцией в порядке:
// пользователи, сообщение, ответ, вложения, реакции.
func (s *Store) ApplyBatch(ctx context.Context, b domain.WriteBatch) error {
	if b.Empty() {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// Заглушки отправителей менее полны, чем участники из метаданных,
		// поэтому существующих пользователей не трогаем.
		for _, u := range b.Users {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO users (id, name, avatar_url) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
				u.ID, u.Name, nullString(u.AvatarURL),
			); err != nil {
				return fmt.Errorf("insert user %s: %w", u.ID, err)
			}
		}

		if m := b.Message; m != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages (id, sender_id, channel_id, text, timestamp, unsent_timestamp)
				 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
				m.ID, m.SenderID, m.ChannelID, m.Text, m.TimestampMs, nullInt64(m.UnsentTimestampMs),
			); err != nil {
				return fmt.Errorf("insert message %s: %w", m.ID, err)
			}
		}

		if r := b.ReplyEdge; r != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO replied_to (message_id, replied_to_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
				r.MessageID, r.RepliedToID,
			); err != nil {
				return fmt.Errorf("insert reply edge %s: %w", r.MessageID, err)
			}
		}

		for _, a := range b.Attachments {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO attachments (id, message_id, name, type, url, width, height)
				 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
				a.ID, a.MessageID, a.Name, string(a.Type), a.URL, nullInt(a.Width), nullInt(a.Height),
			); err != nil {
				return fmt.Errorf("insert attachment %s: %w", a.ID, err)
			}
		}

		for _, r := range b.Reactions {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO reactions (message_id, emoji, count) VALUES (?, ?, ?)
				 ON CONFLICT (message_id, emoji) DO UPDATE SET count=excluded.count`,
				r.MessageID, r.Emoji, r.Count,
			); err != nil {
				return fmt.Errorf("upsert reaction %s/%s: %w", r.MessageID, r.Emoji, err)
			}
		}
		return nil
	})
}

// MessageIDs возвращает идентификаторы уже сохраненных сообщений канала.
func (s *Store) MessageIDs(ctx context.Context, channelID string) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM messages WHERE channel_id = ?`, channelID)
}

// AttachmentIDs возвращает идентификаторы всех сохраненных вложений.
// Идентификаторы вложений глобальны, поэтому фильтра по каналу нет.
func (s *Store) AttachmentIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM attachments`)
}

// ChannelStats — количество сохраненных строк по каналу.
type ChannelStats struct {
	ChannelID   string
	Name        string
	Messages    int64
	Attachments int64
	Reactions   int64
}

// Stats считает сохраненные строки канала.
func (s *Store) Stats(ctx context.Context, channelID string) (ChannelStats, error) {
	st := ChannelStats{ChannelID: channelID}
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   coalesce((SELECT name FROM channels WHERE id = ?1), ''),
		   (SELECT count(*) FROM messages WHERE channel_id = ?1),
		   (SELECT count(*) FROM attachments a JOIN messages m ON m.id = a.message_id WHERE m.channel_id = ?1),
		   (SELECT coalesce(sum(r.count), 0) FROM reactions r JOIN messages m ON m.id = r.message_id WHERE m.channel_id = ?1)`,
		channelID,
	).Scan(&st.Name, &st.Messages, &st.Attachments, &st.Reactions)
	if err != nil {
		return ChannelStats{}, fmt.Errorf("stats for %s: %w", channelID, err)
	}
	return st, nil
}

func (s *Store) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
