package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/chat-relay-go/internal/json"
	"github.com/lk2023060901/chat-relay-go/internal/network/acceptor"
	"github.com/lk2023060901/chat-relay-go/internal/network/codec"
	"github.com/lk2023060901/chat-relay-go/internal/network/connector"
	"github.com/lk2023060901/chat-relay-go/internal/relay/auth"
	"github.com/lk2023060901/chat-relay-go/internal/relay/protocol"
	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/internal/storage/memstore"
	"github.com/lk2023060901/chat-relay-go/pkg/log"
)

const (
	testSecret = "test-secret"
	waitFor    = 2 * time.Second
)

// client 在后台持续读取下行事件。
type client struct {
	t    *testing.T
	conn connector.ClientConn

	mu     sync.Mutex
	events []codec.Envelope
	notify chan struct{}
	done   chan struct{}
	syncs  int
}

func (c *client) pump() {
	defer close(c.done)
	for env := range c.conn.Recv() {
		c.mu.Lock()
		c.events = append(c.events, env)
		c.mu.Unlock()
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

func (c *client) named(event string) []codec.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []codec.Envelope
	for _, env := range c.events {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (c *client) wait(event string, n int) []codec.Envelope {
	c.t.Helper()
	deadline := time.NewTimer(waitFor)
	defer deadline.Stop()
	for {
		if got := c.named(event); len(got) >= n {
			return got
		}
		select {
		case <-c.notify:
		case <-deadline.C:
			c.t.Fatalf("timed out waiting for %d %s events, got %d", n, event, len(c.named(event)))
		}
	}
}

func (c *client) send(event string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.Send(event, data))
}

// sync 等待服务端处理完此前发送的全部事件。
func (c *client) sync() {
	c.t.Helper()
	c.syncs++
	c.send(protocol.EventLeaveConversation, protocol.LeaveConversation{ConversationID: "sync"})
	c.wait(protocol.EventLeftConversation, c.syncs)
}

func (c *client) errors() []string {
	var out []string
	for _, env := range c.named(protocol.EventError) {
		var e protocol.Error
		require.NoError(c.t, json.Unmarshal(env.Data, &e))
		out = append(out, e.Message)
	}
	return out
}

func (c *client) close() {
	_ = c.conn.Close()
	<-c.done
}

type ServiceSuite struct {
	suite.Suite

	ctx   context.Context
	store *memstore.Store
	srv   *Server
	http  *httptest.Server
	wsURL string
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memstore.New()
	for _, identity := range []storage.Identity{
		{ID: "alice", Username: "alice", DisplayName: "Alice", Active: true},
		{ID: "bob", Username: "bob", Active: true},
		{ID: "carol", Username: "carol", Active: true},
		{ID: "dave", Username: "dave", Active: false},
	} {
		s.Require().NoError(s.store.PutIdentity(s.ctx, identity))
	}
	s.Require().NoError(s.store.PutConversation(s.ctx, storage.Conversation{ID: "c1", Participants: []string{"alice", "bob"}}))
	s.Require().NoError(s.store.PutConversation(s.ctx, storage.Conversation{ID: "c2", Participants: []string{"carol"}}))

	srv, err := New(Config{
		JWTSecret: testSecret,
		Acceptor: acceptor.Config{
			ReadTimeout:  5 * time.Second,
			WriteTimeout: time.Second,
		},
		JoinWorkers: 4,
	}, s.store)
	s.Require().NoError(err)
	s.srv = srv
	s.http = httptest.NewServer(srv.Handler())
	s.wsURL = "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

func (s *ServiceSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.NoError(s.srv.Shutdown(ctx))
	s.http.Close()
}

func (s *ServiceSuite) token(userID string) string {
	token, err := auth.Mint(testSecret, userID, time.Hour, time.Now())
	s.Require().NoError(err)
	return token
}

func (s *ServiceSuite) dial(userID string) *client {
	dialer := connector.NewWSConnector(connector.Config{
		Subprotocols: []string{Subprotocol, auth.TokenSubprotocolPrefix + s.token(userID)},
	}, nil)
	conn, resp, err := dialer.Dial(s.ctx, s.wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	s.Require().NoError(err)
	s.Equal(Subprotocol, conn.Subprotocol())

	c := &client{t: s.T(), conn: conn, notify: make(chan struct{}, 1), done: make(chan struct{})}
	go c.pump()
	c.sync()
	return c
}

func (s *ServiceSuite) online(userID string) bool {
	identity, err := s.store.Lookup(s.ctx, userID)
	s.Require().NoError(err)
	return identity.Online
}

func (s *ServiceSuite) TestHelloReachesRoomOnly() {
	a := s.dial("alice")
	b := s.dial("bob")
	c := s.dial("carol")

	a.send(protocol.EventSendMessage, protocol.SendMessage{ConversationID: "c1", Content: "hello"})
	acks := a.wait(protocol.EventMessageDelivered, 1)
	var ack protocol.MessageDelivered
	s.Require().NoError(json.Unmarshal(acks[0].Data, &ack))
	s.NotEmpty(ack.MessageID)

	for _, member := range []*client{a, b} {
		got := member.wait(protocol.EventReceiveMessage, 1)
		var msg protocol.Message
		s.Require().NoError(json.Unmarshal(got[0].Data, &msg))
		s.Equal("hello", msg.Content)
		s.Equal(ack.MessageID, msg.ID)
		s.Equal("alice", msg.Sender.ID)
	}
	b.sync()
	s.Empty(b.named(protocol.EventMessageDelivered), "ack goes to the sender only")
	c.sync()
	s.Empty(c.named(protocol.EventReceiveMessage))
}

func (s *ServiceSuite) TestTwoSessionsEmitOneOffline() {
	observer := s.dial("bob")
	a1 := s.dial("alice")
	a2 := s.dial("alice")

	observer.wait(protocol.EventUserOnline, 1)
	observer.sync()
	s.Len(observer.named(protocol.EventUserOnline), 1)
	s.True(s.online("alice"))

	a1.close()
	s.Eventually(func() bool {
		return len(s.srv.Hub().registry.Sessions("alice")) == 1
	}, waitFor, 10*time.Millisecond)
	observer.sync()
	s.Empty(observer.named(protocol.EventUserOffline))
	s.True(s.online("alice"))

	a2.close()
	got := observer.wait(protocol.EventUserOffline, 1)
	var p protocol.Presence
	s.Require().NoError(json.Unmarshal(got[0].Data, &p))
	s.Equal("alice", p.ID)
	s.Eventually(func() bool { return !s.online("alice") }, waitFor, 10*time.Millisecond)
	observer.sync()
	s.Len(observer.named(protocol.EventUserOffline), 1)
}

func (s *ServiceSuite) TestOverlongMessageRejected() {
	a := s.dial("alice")
	b := s.dial("bob")

	a.send(protocol.EventSendMessage, protocol.SendMessage{ConversationID: "c1", Content: strings.Repeat("x", 1001)})
	a.wait(protocol.EventError, 1)
	s.Equal([]string{"Message too long (max 1000 characters)"}, a.errors())

	b.sync()
	s.Empty(b.named(protocol.EventReceiveMessage))
	s.Empty(a.named(protocol.EventReceiveMessage))
}

func (s *ServiceSuite) TestNonParticipantRejected() {
	a := s.dial("alice")
	c := s.dial("carol")

	c.send(protocol.EventSendMessage, protocol.SendMessage{ConversationID: "c1", Content: "let me in"})
	c.wait(protocol.EventError, 1)
	s.Equal([]string{"Unauthorized: Not a participant in this conversation"}, c.errors())

	c.send(protocol.EventJoinConversation, protocol.JoinConversation{ConversationID: "c1"})
	c.wait(protocol.EventError, 2)
	c.send(protocol.EventJoinConversation, protocol.JoinConversation{ConversationID: "missing"})
	c.wait(protocol.EventError, 3)
	s.Equal("Conversation not found", c.errors()[2])

	a.sync()
	s.Empty(a.named(protocol.EventReceiveMessage))
}

func (s *ServiceSuite) TestJoinLeave() {
	a := s.dial("alice")
	b := s.dial("bob")

	b.send(protocol.EventLeaveConversation, protocol.LeaveConversation{ConversationID: "c1"})
	b.sync()
	a.send(protocol.EventSendMessage, protocol.SendMessage{ConversationID: "c1", Content: "one"})
	a.wait(protocol.EventMessageDelivered, 1)
	b.sync()
	s.Empty(b.named(protocol.EventReceiveMessage))

	b.send(protocol.EventJoinConversation, protocol.JoinConversation{ConversationID: "c1"})
	b.wait(protocol.EventJoinedConversation, 1)
	a.send(protocol.EventSendMessage, protocol.SendMessage{ConversationID: "c1", Content: "two"})
	got := b.wait(protocol.EventReceiveMessage, 1)
	var msg protocol.Message
	s.Require().NoError(json.Unmarshal(got[0].Data, &msg))
	s.Equal("two", msg.Content)
}

func (s *ServiceSuite) TestMalformedPayloadKeepsConnection() {
	a := s.dial("alice")

	s.Require().NoError(a.conn.SendRaw([]byte(`{"event":"send_message","data":{"conversationId":"c1","content":"hi","extra":1}}`)))
	s.Require().NoError(a.conn.SendRaw([]byte(`{"event":"dance"}`)))
	s.Require().NoError(a.conn.SendRaw([]byte(`not json`)))
	s.Require().NoError(a.conn.SendRaw([]byte(`{"event":"join_conversation","data":{"conversationId":"a b"}}`)))
	a.wait(protocol.EventError, 4)
	s.Equal([]string{"Invalid payload", "Unknown event", "Invalid payload", "Invalid conversation ID"}, a.errors())

	a.sync()
	s.Empty(a.named(protocol.EventReceiveMessage))
}

func (s *ServiceSuite) TestHandshakeRefusals() {
	expired, err := auth.Mint(testSecret, "alice", time.Minute, time.Now().Add(-time.Hour))
	s.Require().NoError(err)

	cases := []struct {
		name   string
		query  string
		header http.Header
		want   string
	}{
		{"missing", "", nil, "Authentication token required"},
		{"garbage", "?token=abc", nil, "Invalid JWT token"},
		{"expired", "?token=" + url.QueryEscape(expired), nil, "JWT token expired"},
		{"inactive", "?token=" + url.QueryEscape(s.token("dave")), nil, "User not found or inactive"},
		{"unknown", "", http.Header{"Authorization": {"Bearer " + s.token("nobody")}}, "User not found or inactive"},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			dialer := connector.NewWSConnector(connector.Config{}, nil)
			conn, resp, err := dialer.Dial(s.ctx, s.wsURL+tc.query, tc.header)
			s.Require().Error(err)
			s.Nil(conn)
			s.Require().NotNil(resp)
			defer resp.Body.Close()
			s.Equal(http.StatusUnauthorized, resp.StatusCode)
			var body struct {
				Error string `json:"error"`
			}
			raw, err := io.ReadAll(resp.Body)
			s.Require().NoError(err)
			s.Require().NoError(json.Unmarshal(raw, &body))
			s.Equal(tc.want, body.Error)
		})
	}
	s.Zero(s.srv.Hub().registry.SessionCount())
}

func (s *ServiceSuite) TestQueryAndHeaderTokens() {
	dialer := connector.NewWSConnector(connector.Config{}, nil)
	conn, resp, err := dialer.Dial(s.ctx, s.wsURL+"?token="+url.QueryEscape(s.token("alice")), nil)
	s.Require().NoError(err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	conn2, resp, err := dialer.Dial(s.ctx, s.wsURL, http.Header{"Authorization": {"Bearer " + s.token("bob")}})
	s.Require().NoError(err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn2.Close()

	s.Eventually(func() bool {
		return s.srv.Hub().registry.Online("alice") && s.srv.Hub().registry.Online("bob")
	}, waitFor, 10*time.Millisecond)
}

func (s *ServiceSuite) TestHeartbeatRefreshesLastSeen() {
	a := s.dial("alice")
	before, err := s.store.Lookup(s.ctx, "alice")
	s.Require().NoError(err)

	time.Sleep(5 * time.Millisecond)
	a.send(protocol.EventHeartbeat, struct{}{})
	a.sync()

	after, err := s.store.Lookup(s.ctx, "alice")
	s.Require().NoError(err)
	s.True(after.Online)
	s.True(after.LastSeen.After(before.LastSeen))
	s.Empty(a.errors())
}

func (s *ServiceSuite) TestReconcilerKeepsLocalUsers() {
	s.dial("alice")
	stale := time.Now().Add(-time.Hour)
	s.Require().NoError(s.store.UpdatePresence(s.ctx, "alice", true, stale))
	s.Require().NoError(s.store.UpdatePresence(s.ctx, "carol", true, stale))

	n, err := s.srv.Reconciler().RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.True(s.online("alice"))
	s.False(s.online("carol"))
}

func (s *ServiceSuite) TestShutdownFlipsEveryoneOffline() {
	a := s.dial("alice")
	b := s.dial("bob")
	s.True(s.online("alice"))
	s.True(s.online("bob"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(s.srv.Shutdown(ctx))

	s.False(s.online("alice"))
	s.False(s.online("bob"))
	s.Zero(s.srv.Hub().registry.Count())
	s.Zero(s.srv.Hub().registry.PendingLocks())
	<-a.done
	<-b.done

	dialer := connector.NewWSConnector(connector.Config{}, nil)
	_, resp, err := dialer.Dial(s.ctx, s.wsURL+"?token="+url.QueryEscape(s.token("alice")), nil)
	s.Require().Error(err)
	s.Require().NotNil(resp)
	defer resp.Body.Close()
	s.Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

func TestService(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) TestBindLoggers() {
	bound := map[string]*log.MLogger{}
	s.srv.BindLoggers(func(module string) *log.MLogger {
		l := log.With(log.FieldModule(module))
		bound[module] = l
		return l
	})
	s.Same(bound["hub"], s.srv.Hub().Logger())
	s.Same(bound["reconciler"], s.srv.Reconciler().Logger())
}
