// Package remotetest provides an in-memory chat server for tests. It speaks
// the same REST and websocket protocol as the real server and records the
// calls it receives.
package remotetest

import (
	"cmp"
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/matheus3301/chatsync/internal/store"
)

// Token is the access token the server accepts unless AccessToken is changed.
const Token = "test-access-token"

const defaultLimit = 20

// ReadCall records a PATCH /contacts/{id}/read request.
type ReadCall struct {
	ContactID int64
	UntilID   int64
}

// Command is an outbound frame received on a channel.
type Command struct {
	ContactID int64
	Type      string
	Payload   map[string]any
}

// Server is a fake chat server backed by httptest.
type Server struct {
	*httptest.Server

	// UserID is the id of the signed-in user.
	UserID int64

	mu            sync.Mutex
	accessToken   string
	refreshToken  string
	history       map[int64][]store.Message
	contacts      map[int64]store.Contact
	images        map[string][]byte
	calls         map[string]int
	reads         []ReadCall
	commands      []Command
	sockets       map[int64][]*websocket.Conn
	socketWaiters []chan struct{}
	nextID        int64
	messagesDelay time.Duration
	channelStatus int
	refreshStatus int
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{
		UserID:       1,
		accessToken:  Token,
		refreshToken: "test-refresh-token",
		history:      make(map[int64][]store.Message),
		contacts:     make(map[int64]store.Contact),
		images:       make(map[string][]byte),
		calls:        make(map[string]int),
		sockets:      make(map[int64][]*websocket.Conn),
		nextID:       1000,
	}
	s.Server = httptest.NewServer(s.router())
	t.Cleanup(s.Close)
	return s
}

// Close disconnects every channel and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	var conns []*websocket.Conn
	for _, cs := range s.sockets {
		conns = append(conns, cs...)
	}
	s.sockets = make(map[int64][]*websocket.Conn)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "server shutdown")
	}
	s.Server.Close()
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.POST("/login", s.login)
	r.POST("/refresh", s.refresh)
	r.GET("/images/*path", s.image)

	api := r.Group("")
	api.Use(s.authMiddleware())
	{
		api.GET("/contacts", s.getContacts)
		api.GET("/contacts/:id/messages", s.getMessages)
		api.GET("/contacts/:id/messages/channel", s.channel)
		api.PATCH("/contacts/:id/read", s.readMessages)
		api.PATCH("/contacts/:id/block", s.block)
		api.PATCH("/contacts/:id/unblock", s.unblock)
		api.PATCH("/messages/:id", s.editMessage)
		api.DELETE("/messages/:id", s.deleteMessage)
	}
	return r
}

// AddMessages appends messages to a contact's history. Ids must be unique.
func (s *Server) AddMessages(contactID int64, msgs ...store.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[contactID], msgs...)
	slices.SortFunc(h, func(a, b store.Message) int { return cmp.Compare(a.ID, b.ID) })
	s.history[contactID] = h
	for _, m := range msgs {
		s.nextID = max(s.nextID, m.ID+1)
	}
}

// AddContact registers a contact.
func (s *Server) AddContact(c store.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
}

// SetImage serves data at /images/<name>.
func (s *Server) SetImage(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images["/"+strings.TrimPrefix(name, "/")] = data
}

// SetAccessToken changes the bearer token the server accepts.
func (s *Server) SetAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = token
}

// SetRefreshStatus makes /refresh answer with status when non-zero.
func (s *Server) SetRefreshStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
}

// SetMessagesDelay delays every GET /contacts/{id}/messages response.
func (s *Server) SetMessagesDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messagesDelay = d
}

// SetChannelStatus makes channel handshakes fail with status when non-zero.
func (s *Server) SetChannelStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStatus = status
}

// Calls returns how many requests matched route, written as
// "METHOD /path/:param" exactly as registered.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// ReadCalls returns the mark-read requests received so far.
func (s *Server) ReadCalls() []ReadCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reads)
}

// Commands returns the channel commands received so far.
func (s *Server) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.commands)
}

// History returns a copy of a contact's server-side history.
func (s *Server) History(contactID int64) []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history[contactID])
}

// WaitForChannel blocks until a channel for contactID is connected.
func (s *Server) WaitForChannel(t testing.TB, contactID int64) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.sockets[contactID])
		wait := make(chan struct{})
		if n == 0 {
			s.socketWaiters = append(s.socketWaiters, wait)
		}
		s.mu.Unlock()
		if n > 0 {
			return
		}
		select {
		case <-wait:
		case <-deadline:
			t.Fatalf("timeout waiting for channel of contact %d", contactID)
		}
	}
}

// Deliver appends a message from the other side to the history and pushes it
// to every connected channel of the contact.
func (s *Server) Deliver(contactID int64, m store.Message) {
	s.mu.Lock()
	prev := s.lastIDLocked(contactID)
	s.history[contactID] = append(s.history[contactID], m)
	s.nextID = max(s.nextID, m.ID+1)
	s.mu.Unlock()
	s.Push(contactID, "message", gin.H{"message": messageJSON(m), "metadata": gin.H{"previousID": prev}})
}

// Push sends a raw {type, payload} frame to every channel of the contact.
func (s *Server) Push(contactID int64, typ string, payload any) {
	s.mu.Lock()
	conns := slices.Clone(s.sockets[contactID])
	s.mu.Unlock()
	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = wsjson.Write(ctx, c, gin.H{"type": typ, "payload": payload})
		cancel()
	}
}

func (s *Server) lastIDLocked(contactID int64) *int64 {
	h := s.history[contactID]
	if len(h) == 0 {
		return nil
	}
	id := h[len(h)-1].ID
	return &id
}

func (s *Server) count(c *gin.Context) {
	s.mu.Lock()
	s.calls[c.Request.Method+" "+c.FullPath()]++
	s.mu.Unlock()
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.count(c)
		s.mu.Lock()
		want := "Bearer " + s.accessToken
		s.mu.Unlock()
		if c.GetHeader("Authorization") != want {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"reason": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) login(c *gin.Context) {
	s.count(c)
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Password != "secret" {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "invalid email or password"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"accessToken":  s.accessToken,
		"refreshToken": s.refreshToken,
		"user":         gin.H{"id": s.UserID, "name": "Me", "email": req.Email, "createdAt": time.Unix(0, 0).UTC()},
	})
}

func (s *Server) refresh(c *gin.Context) {
	s.count(c)
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = c.ShouldBindJSON(&req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshStatus != 0 {
		c.JSON(s.refreshStatus, gin.H{"reason": "refresh rejected"})
		return
	}
	if req.RefreshToken != s.refreshToken {
		c.JSON(http.StatusUnauthorized, gin.H{"reason": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accessToken": s.accessToken, "refreshToken": s.refreshToken})
}

func (s *Server) image(c *gin.Context) {
	s.count(c)
	s.mu.Lock()
	data, ok := s.images[c.Param("path")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"reason": "image not found"})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) getContacts(c *gin.Context) {
	limit := queryInt(c, "limit", defaultLimit)
	var before *time.Time
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"reason": "invalid before"})
			return
		}
		before = &t
	}

	s.mu.Lock()
	var list []store.Contact
	for _, ct := range s.contacts {
		if before == nil || ct.LastUpdate.Before(*before) {
			list = append(list, ct)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(list, func(a, b store.Contact) int {
		if c := b.LastUpdate.Compare(a.LastUpdate); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if len(list) > limit {
		list = list[:limit]
	}
	out := make([]gin.H, 0, len(list))
	for _, ct := range list {
		out = append(out, contactJSON(ct))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getMessages(c *gin.Context) {
	contactID, ok := paramID(c)
	if !ok {
		return
	}
	limit := queryInt(c, "limit", defaultLimit)

	s.mu.Lock()
	delay := s.messagesDelay
	h := slices.Clone(s.history[contactID])
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	var lo, hi int // page is h[lo:hi]
	switch {
	case c.Query("before_id") != "":
		before := queryInt64(c, "before_id")
		hi = idx(h, func(m store.Message) bool { return m.ID >= before })
		lo = max(0, hi-limit)
	case c.Query("after_id") != "":
		after := queryInt64(c, "after_id")
		lo = idx(h, func(m store.Message) bool { return m.ID > after })
		hi = min(len(h), lo+limit)
	case c.Query("from_id") != "":
		from, to := queryInt64(c, "from_id"), queryInt64(c, "to_id")
		lo = idx(h, func(m store.Message) bool { return m.ID > from })
		hi = idx(h, func(m store.Message) bool { return m.ID >= to })
		hi = max(lo, hi)
	default:
		hi = len(h)
		lo = max(0, hi-limit)
	}

	items := make([]gin.H, 0, hi-lo)
	for _, m := range h[lo:hi] {
		items = append(items, messageJSON(m))
	}
	var prev, next *int64
	if lo > 0 && hi > lo {
		prev = &h[lo-1].ID
	}
	if hi < len(h) && hi > lo {
		next = &h[hi].ID
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "metadata": gin.H{"previousID": prev, "nextID": next}})
}

func (s *Server) readMessages(c *gin.Context) {
	contactID, ok := paramID(c)
	if !ok {
		return
	}
	var req struct {
		UntilMessageID int64 `json:"untilMessageID"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "invalid body"})
		return
	}

	s.mu.Lock()
	s.reads = append(s.reads, ReadCall{ContactID: contactID, UntilID: req.UntilMessageID})
	for i, m := range s.history[contactID] {
		if m.ID <= req.UntilMessageID && m.SenderID != s.UserID {
			s.history[contactID][i].IsRead = true
		}
	}
	s.mu.Unlock()
	c.Status(http.StatusNoContent)
}

func (s *Server) block(c *gin.Context) {
	s.setBlocked(c, true)
}

func (s *Server) unblock(c *gin.Context) {
	s.setBlocked(c, false)
}

func (s *Server) setBlocked(c *gin.Context, blocked bool) {
	contactID, ok := paramID(c)
	if !ok {
		return
	}
	s.mu.Lock()
	ct, found := s.contacts[contactID]
	if found {
		ct.BlockedByUserID = nil
		if blocked {
			me := s.UserID
			ct.BlockedByUserID = &me
		}
		s.contacts[contactID] = ct
	}
	s.mu.Unlock()
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"reason": "contact not found"})
		return
	}
	c.JSON(http.StatusOK, contactJSON(ct))
}

func (s *Server) editMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "invalid body"})
		return
	}
	now := time.Now().UTC()
	s.mutate(c, "editedMessage", func(m *store.Message) {
		m.Text = req.Text
		m.EditedAt = &now
	})
}

func (s *Server) deleteMessage(c *gin.Context) {
	now := time.Now().UTC()
	s.mutate(c, "deletedMessage", func(m *store.Message) {
		m.DeletedAt = &now
	})
}

func (s *Server) mutate(c *gin.Context, frame string, fn func(*store.Message)) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	m, contactID, found := s.mutateByID(id, fn)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"reason": "message not found"})
		return
	}
	s.Push(contactID, frame, messageJSON(m))
	c.JSON(http.StatusOK, messageJSON(m))
}

func (s *Server) mutateByID(id int64, fn func(*store.Message)) (store.Message, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for contactID, h := range s.history {
		for i := range h {
			if h[i].ID == id {
				fn(&h[i])
				return h[i], contactID, true
			}
		}
	}
	return store.Message{}, 0, false
}

func (s *Server) channel(c *gin.Context) {
	contactID, ok := paramID(c)
	if !ok {
		return
	}
	s.mu.Lock()
	status := s.channelStatus
	s.mu.Unlock()
	if status != 0 {
		c.AbortWithStatus(status)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.sockets[contactID] = append(s.sockets[contactID], conn)
	for _, w := range s.socketWaiters {
		close(w)
	}
	s.socketWaiters = nil
	s.mu.Unlock()

	defer s.dropSocket(contactID, conn)
	ctx := context.Background()
	for {
		var cmd struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			return
		}
		s.handleCommand(contactID, cmd.Type, cmd.Payload)
	}
}

func (s *Server) handleCommand(contactID int64, typ string, payload map[string]any) {
	s.mu.Lock()
	s.commands = append(s.commands, Command{ContactID: contactID, Type: typ, Payload: payload})
	s.mu.Unlock()

	switch typ {
	case "sendText":
		text, _ := payload["text"].(string)
		s.mu.Lock()
		prev := s.lastIDLocked(contactID)
		m := store.Message{ID: s.nextID, Text: text, SenderID: s.UserID, CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
		s.nextID++
		s.history[contactID] = append(s.history[contactID], m)
		s.mu.Unlock()
		s.Push(contactID, "message", gin.H{"message": messageJSON(m), "metadata": gin.H{"previousID": prev}})
	case "editMessage":
		id, _ := payload["editMessageID"].(float64)
		text, _ := payload["text"].(string)
		now := time.Now().UTC()
		if m, _, ok := s.mutateByID(int64(id), func(m *store.Message) { m.Text = text; m.EditedAt = &now }); ok {
			s.Push(contactID, "editedMessage", messageJSON(m))
		}
	case "deleteMessage":
		id, _ := payload["deleteMessageID"].(float64)
		now := time.Now().UTC()
		if m, _, ok := s.mutateByID(int64(id), func(m *store.Message) { m.DeletedAt = &now }); ok {
			s.Push(contactID, "deletedMessage", messageJSON(m))
		}
	}
}

func (s *Server) dropSocket(contactID int64, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets[contactID] = slices.DeleteFunc(s.sockets[contactID], func(c *websocket.Conn) bool { return c == conn })
}

func messageJSON(m store.Message) gin.H {
	return gin.H{
		"id":        m.ID,
		"text":      m.Text,
		"senderID":  m.SenderID,
		"isRead":    m.IsRead,
		"createdAt": m.CreatedAt,
		"editedAt":  m.EditedAt,
		"deletedAt": m.DeletedAt,
	}
}

func contactJSON(c store.Contact) gin.H {
	out := gin.H{
		"id": c.ID,
		"responder": gin.H{
			"id":        c.Responder.ID,
			"name":      c.Responder.Name,
			"email":     c.Responder.Email,
			"avatarURL": c.Responder.AvatarURL,
			"createdAt": c.Responder.CreatedAt,
		},
		"blockedByUserID":    c.BlockedByUserID,
		"unreadMessageCount": c.UnreadMessageCount,
		"createdAt":          c.CreatedAt,
		"lastUpdate":         c.LastUpdate,
	}
	if lm := c.LastMessage; lm != nil {
		out["lastMessage"] = gin.H{"message": messageJSON(lm.Message), "metadata": gin.H{"previousID": lm.PreviousID}}
	}
	return out
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "invalid id"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func queryInt64(c *gin.Context, key string) int64 {
	v, _ := strconv.ParseInt(c.Query(key), 10, 64)
	return v
}

// idx returns the index of the first message satisfying pred, or len(h).
func idx(h []store.Message, pred func(store.Message) bool) int {
	for i, m := range h {
		if pred(m) {
			return i
		}
	}
	return len(h)
}
