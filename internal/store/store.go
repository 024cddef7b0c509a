// Package store keeps the agent's local conversation history: messages,
// group metadata and group membership.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"xbtagent/internal/domain"

	_ "modernc.org/sqlite"
)

// ConversationRecord is the stored state of a conversation.
type ConversationRecord struct {
	ID          string
	Kind        domain.ConversationKind
	Name        string
	Description string
	ImageURL    string
	UpdatedAt   time.Time
}

// Info returns the group metadata view of the record.
func (c ConversationRecord) Info() domain.GroupInfo {
	return domain.GroupInfo{ID: c.ID, Name: c.Name, Description: c.Description, ImageURL: c.ImageURL}
}

// SQLiteStore is the history store backed by SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Path returns the database location for an agent inbox:
// <dataDir>/<env>-<first 8 chars of inbox id>.db3.
func Path(dataDir, env, inboxID string) string {
	prefix := inboxID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return filepath.Join(dataDir, fmt.Sprintf("%s-%s.db3", env, prefix))
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

// UpsertConversation creates or replaces a conversation record.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, rec ConversationRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, kind, name, description, image_url, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   kind = excluded.kind,
		   name = excluded.name,
		   description = excluded.description,
		   image_url = excluded.image_url,
		   updated_at = excluded.updated_at`,
		rec.ID, rec.Kind.String(), rec.Name, rec.Description, rec.ImageURL, rec.UpdatedAt.UnixMilli(),
	)
	return err
}

// EnsureConversation inserts a bare record when id is unknown and leaves
// existing records untouched.
func (s *SQLiteStore) EnsureConversation(ctx context.Context, id string, kind domain.ConversationKind) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, kind, updated_at) VALUES (?, ?, ?)`,
		id, kind.String(), time.Now().UnixMilli(),
	)
	return err
}

// Conversation returns the record for id, or nil when it does not exist.
func (s *SQLiteStore) Conversation(ctx context.Context, id string) (*ConversationRecord, error) {
	var (
		rec       ConversationRecord
		kind      string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, name, description, image_url, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&rec.ID, &kind, &rec.Name, &rec.Description, &rec.ImageURL, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Kind = domain.ParseConversationKind(kind)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return &rec, nil
}

// RecordMessage stores a message. Recording the same (conversation, id)
// twice is a no-op.
func (s *SQLiteStore) RecordMessage(ctx context.Context, msg domain.HistoryMessage) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (conversation_id, id, sender_inbox_id, content_type, text, reference_id, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.ID, msg.SenderInboxID, msg.Kind.String(), msg.Text, msg.Reference, msg.SentAt.UnixMilli(),
	)
	return err
}

// Messages returns the full history of a conversation, oldest first.
func (s *SQLiteStore) Messages(ctx context.Context, convID string) ([]domain.HistoryMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_inbox_id, content_type, text, reference_id, sent_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY sent_at ASC, seq ASC`, convID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.HistoryMessage
	for rows.Next() {
		var (
			m      domain.HistoryMessage
			kind   string
			sentAt int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderInboxID, &kind, &m.Text, &m.Reference, &sentAt); err != nil {
			return nil, err
		}
		m.Kind = domain.ParseContentKind(kind)
		m.SentAt = time.UnixMilli(sentAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SetMembers replaces the member list of a conversation.
func (s *SQLiteStore) SetMembers(ctx context.Context, convID string, members []domain.GroupMember) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE conversation_id = ?`, convID); err != nil {
		return err
	}
	for _, m := range members {
		ids, err := encodeIdentifiers(m.Identifiers)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO members (conversation_id, inbox_id, identifiers) VALUES (?, ?, ?)`,
			convID, m.InboxID, ids,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AddMembers inserts members. Known identifiers of an existing member are
// kept when the new entry carries none.
func (s *SQLiteStore) AddMembers(ctx context.Context, convID string, members []domain.GroupMember) error {
	for _, m := range members {
		ids, err := encodeIdentifiers(m.Identifiers)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO members (conversation_id, inbox_id, identifiers) VALUES (?, ?, ?)
			 ON CONFLICT(conversation_id, inbox_id) DO UPDATE SET
			   identifiers = CASE WHEN excluded.identifiers = '[]' THEN members.identifiers ELSE excluded.identifiers END`,
			convID, m.InboxID, ids,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) RemoveMembers(ctx context.Context, convID string, inboxIDs []string) error {
	for _, id := range inboxIDs {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM members WHERE conversation_id = ? AND inbox_id = ?`, convID, id,
		); err != nil {
			return err
		}
	}
	return nil
}

// Members returns the current members of a conversation ordered by inbox id.
func (s *SQLiteStore) Members(ctx context.Context, convID string) ([]domain.GroupMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT inbox_id, identifiers FROM members WHERE conversation_id = ? ORDER BY inbox_id`, convID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.GroupMember
	for rows.Next() {
		var (
			m   domain.GroupMember
			raw string
		)
		if err := rows.Scan(&m.InboxID, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &m.Identifiers); err != nil {
			s.logger.Warn("corrupt member identifiers", "conversation", convID, "inbox", m.InboxID, "err", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// ApplyGroupUpdate folds a group update event into stored metadata and
// membership. Renames apply the first change per field.
func (s *SQLiteStore) ApplyGroupUpdate(ctx context.Context, convID string, u domain.GroupUpdatedContent) error {
	rec, err := s.Conversation(ctx, convID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &ConversationRecord{ID: convID, Kind: domain.Group}
	}

	seen := make(map[string]bool, 3)
	for _, c := range u.MetadataFieldChanges {
		if seen[c.FieldName] {
			continue
		}
		seen[c.FieldName] = true
		switch c.FieldName {
		case domain.FieldGroupName:
			rec.Name = c.NewValue
		case domain.FieldGroupDescription:
			rec.Description = c.NewValue
		case domain.FieldGroupImageURL:
			rec.ImageURL = c.NewValue
		}
	}
	rec.UpdatedAt = time.Time{}
	if err := s.UpsertConversation(ctx, *rec); err != nil {
		return err
	}

	added := make([]domain.GroupMember, 0, len(u.AddedInboxes))
	for _, ref := range u.AddedInboxes {
		added = append(added, domain.GroupMember{InboxID: ref.InboxID})
	}
	if err := s.AddMembers(ctx, convID, added); err != nil {
		return err
	}

	removed := make([]string, 0, len(u.RemovedInboxes))
	for _, ref := range u.RemovedInboxes {
		removed = append(removed, ref.InboxID)
	}
	return s.RemoveMembers(ctx, convID, removed)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeIdentifiers(ids []domain.AccountIdentifier) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode identifiers: %w", err)
	}
	return string(b), nil
}
