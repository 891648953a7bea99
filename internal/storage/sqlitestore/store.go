// Package sqlitestore 基于 modernc.org/sqlite 实现 storage.Store。
package sqlitestore

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/samber/lo"
	_ "modernc.org/sqlite"

	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/internal/storage/sqlitestore/migrations"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

const driverName = "sqlite"

// updateBatchSize 低于 SQLite 默认的绑定变量上限。
const updateBatchSize = 500

// toMillis 将时间统一为毫秒精度存储，零值存为 0。
func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

// fromMillis 恢复毫秒精度并保持 UTC，0 还原为零值。
func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

// Store 为基于 SQLite 的存储实现。
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open 打开 SQLite 数据库并执行内嵌的迁移脚本。
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, merr.WrapErrParameterMissing("storage.sqlite.path")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, merr.WrapErrStorageUnavailable(driverName, err, "open")
	}
	// 单连接串行化写入，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, merr.WrapErrStorageUnavailable(driverName, err, "ping")
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, merr.WrapErrStorageFailed("migrate", err)
	}
	return &Store{db: db}, nil
}

// DB 返回底层数据库句柄。
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return merr.WrapErrStorageUnavailable(driverName, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Lookup(ctx context.Context, userID string) (storage.Identity, error) {
	var (
		identity       storage.Identity
		active, online int
		lastSeen       int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, username, display_name, role, active, online, last_seen
FROM identities WHERE id = ?`, userID).Scan(
		&identity.ID, &identity.Username, &identity.DisplayName, &identity.Role, &active, &online, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Identity{}, merr.WrapErrIdentityNotFound(userID)
	}
	if err != nil {
		return storage.Identity{}, wrapErr(ctx, "lookup", err)
	}
	identity.Active = active != 0
	identity.Online = online != 0
	identity.LastSeen = fromMillis(lastSeen)
	return identity, nil
}

func (s *Store) UpdatePresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE identities SET online = ?, last_seen = ? WHERE id = ?`,
		boolToInt(online), toMillis(lastSeen), userID)
	if err != nil {
		return wrapErr(ctx, "update_presence", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return merr.WrapErrIdentityNotFound(userID)
	}
	return nil
}

// ForceOfflineWhereStale 先查出过期的在线用户，在内存中排除 keep，再分批更新。
// keep 不进入 SQL，避免超出 SQLite 的绑定变量上限；每批更新仍重新校验过期条件。
func (s *Store) ForceOfflineWhereStale(ctx context.Context, before time.Time, keep []string) (int, error) {
	cutoff := toMillis(before)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM identities WHERE online = 1 AND last_seen < ?`, cutoff)
	if err != nil {
		return 0, wrapErr(ctx, "force_offline_where_stale", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, wrapErr(ctx, "force_offline_where_stale", err)
		}
		stale = append(stale, id)
	}
	if err := rows.Close(); err != nil {
		return 0, wrapErr(ctx, "force_offline_where_stale", err)
	}
	if err := rows.Err(); err != nil {
		return 0, wrapErr(ctx, "force_offline_where_stale", err)
	}

	stale = lo.Without(stale, keep...)
	total := 0
	for _, batch := range lo.Chunk(stale, updateBatchSize) {
		args := append([]any{cutoff}, lo.ToAnySlice(batch)...)
		res, err := s.db.ExecContext(ctx,
			`UPDATE identities SET online = 0 WHERE online = 1 AND last_seen < ? AND id IN (`+placeholders(len(batch))+`)`,
			args...)
		if err != nil {
			return total, wrapErr(ctx, "force_offline_where_stale", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func (s *Store) MarkAllOffline(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE identities SET online = 0 WHERE online = 1`)
	if err != nil {
		return 0, wrapErr(ctx, "mark_all_offline", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) FindByParticipant(ctx context.Context, userID string) ([]storage.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.id FROM conversations c
JOIN conversation_participants p ON p.conversation_id = c.id
WHERE p.user_id = ?
ORDER BY c.id`, userID)
	if err != nil {
		return nil, wrapErr(ctx, "find_by_participant", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, wrapErr(ctx, "find_by_participant", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, wrapErr(ctx, "find_by_participant", err)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(ctx, "find_by_participant", err)
	}

	convs := make([]storage.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, merr.ErrConversationNotFound) {
				continue
			}
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (storage.Conversation, error) {
	var (
		conv          storage.Conversation
		lastMessageAt int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, type, name, last_message_id, last_message_at, message_count
FROM conversations WHERE id = ?`, id).Scan(
		&conv.ID, &conv.Type, &conv.Name, &conv.LastMessageID, &lastMessageAt, &conv.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Conversation{}, merr.WrapErrConversationNotFound(id)
	}
	if err != nil {
		return storage.Conversation{}, wrapErr(ctx, "find_by_id", err)
	}
	conv.LastMessageAt = fromMillis(lastMessageAt)

	participants, err := s.participants(ctx, id)
	if err != nil {
		return storage.Conversation{}, wrapErr(ctx, "find_by_id", err)
	}
	conv.Participants = participants
	return conv, nil
}

func (s *Store) participants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

func (s *Store) TouchLastMessage(ctx context.Context, id, messageID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE conversations
SET last_message_id = ?, last_message_at = ?, message_count = message_count + 1
WHERE id = ?`, messageID, toMillis(at), id)
	if err != nil {
		return wrapErr(ctx, "touch_last_message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return merr.WrapErrConversationNotFound(id)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, senderID, conversationID, content string, at time.Time) (storage.Message, error) {
	msg := storage.Message{
		ID:             uuid.NewString(),
		SenderID:       senderID,
		ConversationID: conversationID,
		Content:        content,
		Timestamp:      storage.NormalizeTime(at),
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
SELECT ?, id, ?, ?, ? FROM conversations WHERE id = ?`,
		msg.ID, msg.SenderID, msg.Content, toMillis(msg.Timestamp), conversationID)
	if err != nil {
		return storage.Message{}, wrapErr(ctx, "create_message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.Message{}, merr.WrapErrConversationNotFound(conversationID)
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]storage.Message, error) {
	query := `
SELECT id, conversation_id, sender_id, content, created_at
FROM messages WHERE conversation_id = ?
ORDER BY created_at DESC, rowid DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(ctx, "list_messages", err)
	}
	defer rows.Close()

	var msgs []storage.Message
	for rows.Next() {
		var (
			msg       storage.Message
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &createdAt); err != nil {
			return nil, wrapErr(ctx, "list_messages", err)
		}
		msg.Timestamp = fromMillis(createdAt)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(ctx, "list_messages", err)
	}
	return msgs, nil
}

func (s *Store) PutIdentity(ctx context.Context, identity storage.Identity) error {
	if identity.ID == "" {
		return merr.WrapErrParameterMissing("identity.id")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO identities (id, username, display_name, role, active, online, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    username = excluded.username,
    display_name = excluded.display_name,
    role = excluded.role,
    active = excluded.active,
    online = excluded.online,
    last_seen = excluded.last_seen`,
		identity.ID, identity.Username, identity.DisplayName, identity.Role,
		boolToInt(identity.Active), boolToInt(identity.Online), toMillis(identity.LastSeen))
	return wrapErr(ctx, "put_identity", err)
}

func (s *Store) PutConversation(ctx context.Context, conversation storage.Conversation) error {
	if conversation.ID == "" {
		return merr.WrapErrParameterMissing("conversation.id")
	}
	convType := lo.CoalesceOrEmpty(conversation.Type, storage.ConversationGroup)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(ctx, "put_conversation", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO conversations (id, type, name, last_message_id, last_message_at, message_count)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    type = excluded.type,
    name = excluded.name,
    last_message_id = excluded.last_message_id,
    last_message_at = excluded.last_message_at,
    message_count = excluded.message_count`,
		conversation.ID, convType, conversation.Name, conversation.LastMessageID,
		toMillis(conversation.LastMessageAt), conversation.MessageCount); err != nil {
		return wrapErr(ctx, "put_conversation", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_participants WHERE conversation_id = ?`, conversation.ID); err != nil {
		return wrapErr(ctx, "put_conversation", err)
	}
	for _, userID := range lo.Uniq(conversation.Participants) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)`,
			conversation.ID, userID); err != nil {
			return wrapErr(ctx, "put_conversation", err)
		}
	}
	return wrapErr(ctx, "put_conversation", tx.Commit())
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// wrapErr 保留上下文取消错误，其余错误归为存储失败。
func wrapErr(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, op)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return merr.WrapErrStorageUnavailable(driverName, err, op)
	}
	return merr.WrapErrStorageFailed(op, err)
}
