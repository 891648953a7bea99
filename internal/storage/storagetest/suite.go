// Package storagetest 提供所有 storage.Store 实现共用的一致性测试集。
package storagetest

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

// StoreSuite 对一个 Store 实现执行一组行为测试。
//
// 使用方式：
//
//	suite.Run(t, &storagetest.StoreSuite{Open: func() (storage.Store, error) { ... }})
type StoreSuite struct {
	suite.Suite

	// Open 为每个测试用例创建一个全新的空 Store。
	Open func() (storage.Store, error)

	store storage.Store
	ctx   context.Context
}

func (s *StoreSuite) SetupTest() {
	store, err := s.Open()
	s.Require().NoError(err)
	s.store = store
	s.ctx = context.Background()

	s.Require().NoError(store.PutIdentity(s.ctx, storage.Identity{ID: "alice", Username: "alice", DisplayName: "Alice", Role: "user", Active: true}))
	s.Require().NoError(store.PutIdentity(s.ctx, storage.Identity{ID: "bob", Username: "bob", DisplayName: "Bob", Role: "admin", Active: true}))
	s.Require().NoError(store.PutIdentity(s.ctx, storage.Identity{ID: "carol", Username: "carol", Active: false}))
	s.Require().NoError(store.PutConversation(s.ctx, storage.Conversation{
		ID: "c1", Type: storage.ConversationGroup, Name: "general", Participants: []string{"alice", "bob"},
	}))
	s.Require().NoError(store.PutConversation(s.ctx, storage.Conversation{
		ID: "c2", Type: storage.ConversationDirect, Participants: []string{"alice", "carol"},
	}))
}

func (s *StoreSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *StoreSuite) TestPing() {
	s.NoError(s.store.Ping(s.ctx))
}

func (s *StoreSuite) TestLookup() {
	identity, err := s.store.Lookup(s.ctx, "bob")
	s.Require().NoError(err)
	s.Equal("Bob", identity.DisplayName)
	s.Equal("admin", identity.Role)
	s.True(identity.Active)
	s.False(identity.Online)

	_, err = s.store.Lookup(s.ctx, "nobody")
	s.ErrorIs(err, merr.ErrIdentityNotFound)
}

func (s *StoreSuite) TestUpdatePresence() {
	now := time.Now()
	s.Require().NoError(s.store.UpdatePresence(s.ctx, "alice", true, now))

	identity, err := s.store.Lookup(s.ctx, "alice")
	s.Require().NoError(err)
	s.True(identity.Online)
	s.Equal(storage.NormalizeTime(now), identity.LastSeen)

	s.Require().NoError(s.store.UpdatePresence(s.ctx, "alice", false, now.Add(time.Second)))
	identity, err = s.store.Lookup(s.ctx, "alice")
	s.Require().NoError(err)
	s.False(identity.Online)

	s.ErrorIs(s.store.UpdatePresence(s.ctx, "nobody", true, now), merr.ErrIdentityNotFound)
}

func (s *StoreSuite) TestForceOfflineWhereStale() {
	now := time.Now()
	s.Require().NoError(s.store.UpdatePresence(s.ctx, "alice", true, now.Add(-10*time.Minute)))
	s.Require().NoError(s.store.UpdatePresence(s.ctx, "bob", true, now.Add(-10*time.Minute)))
	s.Require().NoError(s.store.UpdatePresence(s.ctx, "carol", true, now))

	changed, err := s.store.ForceOfflineWhereStale(s.ctx, now.Add(-5*time.Minute), []string{"bob"})
	s.Require().NoError(err)
	s.Equal(1, changed)

	alice, _ := s.store.Lookup(s.ctx, "alice")
	bob, _ := s.store.Lookup(s.ctx, "bob")
	carol, _ := s.store.Lookup(s.ctx, "carol")
	s.False(alice.Online)
	s.True(bob.Online)
	s.True(carol.Online)

	changed, err = s.store.ForceOfflineWhereStale(s.ctx, now.Add(-5*time.Minute), nil)
	s.Require().NoError(err)
	s.Equal(1, changed)
}

func (s *StoreSuite) TestMarkAllOffline() {
	now := time.Now()
	s.Require().NoError(s.store.UpdatePresence(s.ctx, "alice", true, now))
	s.Require().NoError(s.store.UpdatePresence(s.ctx, "bob", true, now))

	changed, err := s.store.MarkAllOffline(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, changed)

	changed, err = s.store.MarkAllOffline(s.ctx)
	s.Require().NoError(err)
	s.Zero(changed)
}

func (s *StoreSuite) TestFindByParticipant() {
	convs, err := s.store.FindByParticipant(s.ctx, "alice")
	s.Require().NoError(err)
	s.Require().Len(convs, 2)
	s.Equal("c1", convs[0].ID)
	s.Equal("c2", convs[1].ID)

	convs, err = s.store.FindByParticipant(s.ctx, "bob")
	s.Require().NoError(err)
	s.Require().Len(convs, 1)
	s.ElementsMatch([]string{"alice", "bob"}, convs[0].Participants)

	convs, err = s.store.FindByParticipant(s.ctx, "nobody")
	s.Require().NoError(err)
	s.Empty(convs)
}

func (s *StoreSuite) TestPutConversationReplacesParticipants() {
	s.Require().NoError(s.store.PutConversation(s.ctx, storage.Conversation{
		ID: "c1", Type: storage.ConversationGroup, Name: "general", Participants: []string{"alice"},
	}))
	convs, err := s.store.FindByParticipant(s.ctx, "bob")
	s.Require().NoError(err)
	s.Empty(convs)

	conv, err := s.store.FindByID(s.ctx, "c1")
	s.Require().NoError(err)
	s.False(conv.HasParticipant("bob"))
}

func (s *StoreSuite) TestFindByID() {
	conv, err := s.store.FindByID(s.ctx, "c1")
	s.Require().NoError(err)
	s.Equal("general", conv.Name)
	s.Equal(storage.ConversationGroup, conv.Type)
	s.True(conv.HasParticipant("alice"))
	s.False(conv.HasParticipant("carol"))

	_, err = s.store.FindByID(s.ctx, "missing")
	s.ErrorIs(err, merr.ErrConversationNotFound)
}

func (s *StoreSuite) TestCreateAndTouch() {
	at := time.Now()
	first, err := s.store.Create(s.ctx, "alice", "c1", "hello", at)
	s.Require().NoError(err)
	s.NotEmpty(first.ID)
	s.Equal("alice", first.SenderID)
	s.Equal("c1", first.ConversationID)
	s.Equal("hello", first.Content)
	s.Equal(storage.NormalizeTime(at), first.Timestamp)

	second, err := s.store.Create(s.ctx, "bob", "c1", "hi", at.Add(time.Second))
	s.Require().NoError(err)
	s.NotEqual(first.ID, second.ID)

	s.Require().NoError(s.store.TouchLastMessage(s.ctx, "c1", first.ID, first.Timestamp))
	s.Require().NoError(s.store.TouchLastMessage(s.ctx, "c1", second.ID, second.Timestamp))
	conv, err := s.store.FindByID(s.ctx, "c1")
	s.Require().NoError(err)
	s.Equal(second.ID, conv.LastMessageID)
	s.Equal(second.Timestamp, conv.LastMessageAt)
	s.EqualValues(2, conv.MessageCount)

	msgs, err := s.store.ListMessages(s.ctx, "c1", 0)
	s.Require().NoError(err)
	s.Require().Len(msgs, 2)
	s.Equal(second.ID, msgs[0].ID)
	s.Equal(first.ID, msgs[1].ID)

	msgs, err = s.store.ListMessages(s.ctx, "c1", 1)
	s.Require().NoError(err)
	s.Len(msgs, 1)

	s.ErrorIs(s.store.TouchLastMessage(s.ctx, "missing", first.ID, at), merr.ErrConversationNotFound)
}

func (s *StoreSuite) TestCanceledContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.store.Lookup(ctx, "alice")
	s.Error(err)
}
