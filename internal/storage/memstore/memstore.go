// Package memstore 提供进程内的 storage.Store 实现，用于开发环境与测试。
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
	"github.com/lk2023060901/chat-relay-go/pkg/util/typeutil"
)

// Store 将身份、会话与消息保存在内存 map 中。
type Store struct {
	mu            sync.RWMutex
	identities    map[string]storage.Identity
	conversations map[string]storage.Conversation
	byParticipant map[string]typeutil.Set[string]
	messages      map[string][]storage.Message
	closed        bool
}

var _ storage.Store = (*Store)(nil)

// New 创建一个空的 Store。
func New() *Store {
	return &Store{
		identities:    make(map[string]storage.Identity),
		conversations: make(map[string]storage.Conversation),
		byParticipant: make(map[string]typeutil.Set[string]),
		messages:      make(map[string][]storage.Message),
	}
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return merr.WrapErrStorageUnavailable("memory", nil, "store closed")
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(ctx)
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Store) Lookup(ctx context.Context, userID string) (storage.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return storage.Identity{}, err
	}
	identity, ok := s.identities[userID]
	if !ok {
		return storage.Identity{}, merr.WrapErrIdentityNotFound(userID)
	}
	return identity, nil
}

func (s *Store) UpdatePresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	identity, ok := s.identities[userID]
	if !ok {
		return merr.WrapErrIdentityNotFound(userID)
	}
	identity.Online = online
	identity.LastSeen = storage.NormalizeTime(lastSeen)
	s.identities[userID] = identity
	return nil
}

func (s *Store) ForceOfflineWhereStale(ctx context.Context, before time.Time, keep []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	kept := typeutil.NewSet(keep...)
	changed := 0
	for id, identity := range s.identities {
		if !identity.Online || !identity.LastSeen.Before(before) || kept.Contain(id) {
			continue
		}
		identity.Online = false
		s.identities[id] = identity
		changed++
	}
	return changed, nil
}

func (s *Store) MarkAllOffline(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	changed := 0
	for id, identity := range s.identities {
		if !identity.Online {
			continue
		}
		identity.Online = false
		s.identities[id] = identity
		changed++
	}
	return changed, nil
}

func (s *Store) FindByParticipant(ctx context.Context, userID string) ([]storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	ids := s.byParticipant[userID].Collect()
	sort.Strings(ids)
	return lo.Map(ids, func(id string, _ int) storage.Conversation {
		return cloneConversation(s.conversations[id])
	}), nil
}

func (s *Store) FindByID(ctx context.Context, id string) (storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return storage.Conversation{}, err
	}
	conv, ok := s.conversations[id]
	if !ok {
		return storage.Conversation{}, merr.WrapErrConversationNotFound(id)
	}
	return cloneConversation(conv), nil
}

func (s *Store) TouchLastMessage(ctx context.Context, id, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	conv, ok := s.conversations[id]
	if !ok {
		return merr.WrapErrConversationNotFound(id)
	}
	conv.LastMessageID = messageID
	conv.LastMessageAt = storage.NormalizeTime(at)
	conv.MessageCount++
	s.conversations[id] = conv
	return nil
}

func (s *Store) Create(ctx context.Context, senderID, conversationID, content string, at time.Time) (storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return storage.Message{}, err
	}
	if _, ok := s.conversations[conversationID]; !ok {
		return storage.Message{}, merr.WrapErrConversationNotFound(conversationID)
	}
	msg := storage.Message{
		ID:             uuid.NewString(),
		SenderID:       senderID,
		ConversationID: conversationID,
		Content:        content,
		Timestamp:      storage.NormalizeTime(at),
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	msgs := lo.Reverse(append([]storage.Message(nil), s.messages[conversationID]...))
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *Store) PutIdentity(ctx context.Context, identity storage.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if identity.ID == "" {
		return merr.WrapErrParameterMissing("identity.id")
	}
	identity.LastSeen = storage.NormalizeTime(identity.LastSeen)
	s.identities[identity.ID] = identity
	return nil
}

func (s *Store) PutConversation(ctx context.Context, conversation storage.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if conversation.ID == "" {
		return merr.WrapErrParameterMissing("conversation.id")
	}
	if old, ok := s.conversations[conversation.ID]; ok {
		for _, userID := range old.Participants {
			s.byParticipant[userID].Remove(conversation.ID)
		}
	}
	conversation = cloneConversation(conversation)
	conversation.Participants = lo.Uniq(conversation.Participants)
	conversation.LastMessageAt = storage.NormalizeTime(conversation.LastMessageAt)
	s.conversations[conversation.ID] = conversation
	for _, userID := range conversation.Participants {
		set, ok := s.byParticipant[userID]
		if !ok {
			set = typeutil.NewSet[string]()
			s.byParticipant[userID] = set
		}
		set.Insert(conversation.ID)
	}
	return nil
}

func cloneConversation(c storage.Conversation) storage.Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	return c
}
