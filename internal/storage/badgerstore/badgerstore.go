// Package badgerstore 基于 dgraph-io/badger 实现 storage.Store。
//
// 键空间：
//
//	user:{userID}                       -> Identity(JSON)
//	conv:{conversationID}               -> Conversation(JSON)
//	part:{userID}:{conversationID}      -> 空值，用于按参与者查找会话
//	msg:{conversationID}:{ts}:{msgID}   -> Message(JSON)，ts 为定长毫秒时间戳
package badgerstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/lk2023060901/chat-relay-go/internal/json"
	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
	"github.com/lk2023060901/chat-relay-go/pkg/util/typeutil"
)

const (
	driverName = "badger"

	userPrefix = "user:"
	convPrefix = "conv:"
	partPrefix = "part:"
	msgPrefix  = "msg:"

	// presenceBatchSize 为批量改写在线状态时单个事务包含的用户数。
	presenceBatchSize = 256
)

// Options 为打开 badger 的参数。
type Options struct {
	// Dir 为数据目录；InMemory 为 true 时忽略。
	Dir      string
	InMemory bool
	// Logger 为空时关闭 badger 自身日志。
	Logger badger.Logger
}

// Store 为基于 badger 的存储实现。
type Store struct {
	db *badger.DB
}

var _ storage.Store = (*Store)(nil)

// Open 打开（或创建）一个 badger 数据库。
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Dir) == "" {
		return nil, merr.WrapErrParameterMissing("storage.badger.dir")
	}
	bopts := badger.DefaultOptions(opts.Dir).WithLogger(opts.Logger)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, merr.WrapErrStorageUnavailable(driverName, err)
	}
	return &Store{db: db}, nil
}

// New 使用已打开的 badger.DB 创建 Store。
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func userKey(id string) []byte { return []byte(userPrefix + id) }
func convKey(id string) []byte { return []byte(convPrefix + id) }
func partKey(userID, convID string) []byte {
	return []byte(partPrefix + userID + ":" + convID)
}
func msgKey(convID string, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", msgPrefix, convID, at.UnixMilli(), id))
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return merr.WrapErrStorageUnavailable(driverName, badger.ErrDBClosed)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Lookup(ctx context.Context, userID string) (storage.Identity, error) {
	if err := ctx.Err(); err != nil {
		return storage.Identity{}, err
	}
	var identity storage.Identity
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(userID), &identity)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.Identity{}, merr.WrapErrIdentityNotFound(userID)
	}
	if err != nil {
		return storage.Identity{}, wrapErr("lookup", err)
	}
	return identity, nil
}

func (s *Store) UpdatePresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		var identity storage.Identity
		if err := getJSON(txn, userKey(userID), &identity); err != nil {
			return err
		}
		identity.Online = online
		identity.LastSeen = storage.NormalizeTime(lastSeen)
		return setJSON(txn, userKey(userID), identity)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return merr.WrapErrIdentityNotFound(userID)
	}
	return wrapErr("update_presence", err)
}

func (s *Store) ForceOfflineWhereStale(ctx context.Context, before time.Time, keep []string) (int, error) {
	kept := typeutil.NewSet(keep...)
	return s.forceOffline(ctx, "force_offline_where_stale", func(identity storage.Identity) bool {
		return identity.Online && identity.LastSeen.Before(before) && !kept.Contain(identity.ID)
	})
}

func (s *Store) MarkAllOffline(ctx context.Context) (int, error) {
	return s.forceOffline(ctx, "mark_all_offline", func(identity storage.Identity) bool {
		return identity.Online
	})
}

// forceOffline 先在只读事务中挑出候选用户，再分批在读写事务中复核并改写，
// 复核保证不会覆盖在挑选之后写入的新状态。
func (s *Store) forceOffline(ctx context.Context, op string, match func(storage.Identity) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var candidates []string
	err := s.db.View(func(txn *badger.Txn) error {
		return scanIdentities(txn, func(identity storage.Identity) {
			if match(identity) {
				candidates = append(candidates, identity.ID)
			}
		})
	})
	if err != nil {
		return 0, wrapErr(op, err)
	}

	changed := 0
	for _, batch := range lo.Chunk(candidates, presenceBatchSize) {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		n := 0
		err := s.db.Update(func(txn *badger.Txn) error {
			n = 0
			for _, id := range batch {
				var identity storage.Identity
				if err := getJSON(txn, userKey(id), &identity); err != nil {
					if errors.Is(err, badger.ErrKeyNotFound) {
						continue
					}
					return err
				}
				if !match(identity) {
					continue
				}
				identity.Online = false
				if err := setJSON(txn, userKey(id), identity); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return changed, wrapErr(op, err)
		}
		changed += n
	}
	return changed, nil
}

func (s *Store) FindByParticipant(ctx context.Context, userID string) ([]storage.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var convs []storage.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(partPrefix + userID + ":")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		var ids []string
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
		}
		for _, id := range ids {
			var conv storage.Conversation
			if err := getJSON(txn, convKey(id), &conv); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			convs = append(convs, conv)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("find_by_participant", err)
	}
	return convs, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (storage.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return storage.Conversation{}, err
	}
	var conv storage.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, convKey(id), &conv)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.Conversation{}, merr.WrapErrConversationNotFound(id)
	}
	if err != nil {
		return storage.Conversation{}, wrapErr("find_by_id", err)
	}
	return conv, nil
}

func (s *Store) TouchLastMessage(ctx context.Context, id, messageID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		var conv storage.Conversation
		if err := getJSON(txn, convKey(id), &conv); err != nil {
			return err
		}
		conv.LastMessageID = messageID
		conv.LastMessageAt = storage.NormalizeTime(at)
		conv.MessageCount++
		return setJSON(txn, convKey(id), conv)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return merr.WrapErrConversationNotFound(id)
	}
	return wrapErr("touch_last_message", err)
}

func (s *Store) Create(ctx context.Context, senderID, conversationID, content string, at time.Time) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	msg := storage.Message{
		ID:             uuid.NewString(),
		SenderID:       senderID,
		ConversationID: conversationID,
		Content:        content,
		Timestamp:      storage.NormalizeTime(at),
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(convKey(conversationID)); err != nil {
			return err
		}
		return setJSON(txn, msgKey(conversationID, msg.Timestamp, msg.ID), msg)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.Message{}, merr.WrapErrConversationNotFound(conversationID)
	}
	if err != nil {
		return storage.Message{}, wrapErr("create_message", err)
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var msgs []storage.Message
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(msgPrefix + conversationID + ":")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, Reverse: true})
		defer it.Close()

		// 反向迭代需要从前缀之后的第一个键开始。
		seek := append(append([]byte(nil), prefix...), 0xFF)
		for it.Seek(seek); it.Valid(); it.Next() {
			var msg storage.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			msgs = append(msgs, msg)
			if limit > 0 && len(msgs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("list_messages", err)
	}
	return msgs, nil
}

func (s *Store) PutIdentity(ctx context.Context, identity storage.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if identity.ID == "" {
		return merr.WrapErrParameterMissing("identity.id")
	}
	identity.LastSeen = storage.NormalizeTime(identity.LastSeen)
	return wrapErr("put_identity", s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, userKey(identity.ID), identity)
	}))
}

func (s *Store) PutConversation(ctx context.Context, conversation storage.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if conversation.ID == "" {
		return merr.WrapErrParameterMissing("conversation.id")
	}
	conversation.Participants = lo.Uniq(conversation.Participants)
	conversation.LastMessageAt = storage.NormalizeTime(conversation.LastMessageAt)
	return wrapErr("put_conversation", s.db.Update(func(txn *badger.Txn) error {
		var old storage.Conversation
		switch err := getJSON(txn, convKey(conversation.ID), &old); {
		case err == nil:
			for _, userID := range old.Participants {
				if err := txn.Delete(partKey(userID, conversation.ID)); err != nil {
					return err
				}
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		for _, userID := range conversation.Participants {
			if err := txn.Set(partKey(userID, conversation.ID), nil); err != nil {
				return err
			}
		}
		return setJSON(txn, convKey(conversation.ID), conversation)
	}))
}

func scanIdentities(txn *badger.Txn, fn func(storage.Identity)) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(userPrefix), PrefetchValues: true, PrefetchSize: 100})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var identity storage.Identity
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &identity)
		}); err != nil {
			return err
		}
		fn(identity)
	}
	return nil
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return merr.WrapErrStorageUnavailable(driverName, err, op)
	}
	return merr.WrapErrStorageFailed(op, err)
}
