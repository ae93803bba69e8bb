package server

import (
	"context"
	"net"
	"sort"
	"strconv"
	"time"

	"chatrelay/models"
	"chatrelay/protocol"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// requestTimeout bounds the work done for a single packet.
const requestTimeout = 10 * time.Second

var commands = []string{
	"ping", "reg", "login", "auth", "msg", "gmsg", "read", "typing", "away",
	"hist", "ghist", "offmsg", "unread", "stat", "who", "gnew", "gadd", "gdel",
	"glist", "gwatch", "gunwatch", "bye", "help",
}

// handlePacket dispatches one packet. It returns false when the connection
// must be closed.
func (s *Server) handlePacket(c *Conn, pkt *protocol.Packet) bool {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch pkt.Type {
	case "ping":
		s.handlePing(ctx, c)
	case "reg":
		s.handleRegister(ctx, c, pkt)
	case "login":
		s.handleLogin(ctx, c, pkt)
	case "auth":
		s.handleAuth(ctx, c, pkt)
	case "msg":
		s.handleMessage(ctx, c, pkt)
	case "gmsg":
		s.handleGroupMessage(ctx, c, pkt)
	case "read":
		s.handleRead(ctx, c, pkt)
	case "typing":
		s.handleTyping(ctx, c, pkt)
	case "away":
		s.handleAway(ctx, c)
	case "hist":
		s.handleHistory(ctx, c, pkt)
	case "ghist":
		s.handleGroupHistory(ctx, c, pkt)
	case "offmsg":
		s.handleOfflineMessages(ctx, c)
	case "unread":
		s.handleUnread(ctx, c)
	case "stat":
		s.handleStatus(ctx, c, pkt)
	case "who":
		s.handleWho(ctx, c)
	case "gnew":
		s.handleCreateGroup(ctx, c, pkt)
	case "gadd":
		s.handleAddMember(ctx, c, pkt)
	case "gdel":
		s.handleRemoveMember(ctx, c, pkt)
	case "glist":
		s.handleGroupList(ctx, c)
	case "gwatch":
		s.handleWatch(ctx, c, pkt)
	case "gunwatch":
		s.handleUnwatch(c, pkt)
	case "bye":
		s.handleBye(c)
		return false
	case "help":
		s.handleHelp(c)
	default:
		s.sendError(c, "", "Unknown packet type")
	}
	return true
}

// requireUser returns the authenticated user of c, or 0 after replying with
// an error.
func (s *Server) requireUser(c *Conn, operation string) int64 {
	userID := c.UserID()
	if userID == 0 {
		s.sendError(c, operation, "Not authenticated")
	}
	return userID
}

func clientIP(c *Conn) string {
	addr := c.transport.RemoteAddr()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *Server) handlePing(ctx context.Context, c *Conn) {
	if userID := c.UserID(); userID != 0 {
		if err := s.tracker.Heartbeat(ctx, userID); err != nil {
			jww.WARN.Printf("Heartbeat for user %d failed: %v", userID, err)
		}
	}
	s.sendPacket(c, "pong")
}

func (s *Server) handleRegister(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	username, password := pkt.Field(0), pkt.Field(1)
	if username == "" || password == "" {
		s.sendError(c, "reg", "Username and password required")
		return
	}

	if ok, retry := s.limiter.Allow("register", clientIP(c)); !ok {
		s.sendError(c, "reg", "Too many attempts, retry in "+retry.Round(time.Second).String())
		return
	}

	id, err := s.db.CreateUser(ctx, username, password)
	if err != nil {
		s.sendFailure(c, "reg", err)
		return
	}
	jww.INFO.Printf("Registered user %d from %s", id, c.transport.RemoteAddr())
	s.sendOK(c, "reg", id2s(id))
}

func (s *Server) handleLogin(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	username, password := pkt.Field(0), pkt.Field(1)
	if username == "" || password == "" {
		s.sendError(c, "login", "Invalid credentials")
		return
	}

	if ok, retry := s.limiter.Allow("login", clientIP(c)); !ok {
		s.sendError(c, "login", "Too many attempts, retry in "+retry.Round(time.Second).String())
		return
	}

	userID, valid, err := s.db.AuthenticateUser(ctx, username, password)
	if err != nil {
		s.sendFailure(c, "login", err)
		return
	}
	if !valid {
		s.sendError(c, "login", "Invalid credentials")
		return
	}

	token, err := s.auth.Issue(userID)
	if err != nil {
		s.sendFailure(c, "login", err)
		return
	}
	if err := s.bindUser(ctx, c, userID); err != nil {
		s.sendFailure(c, "login", err)
		return
	}
	s.sendOK(c, "login", id2s(userID), token)
}

func (s *Server) handleAuth(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	userID, err := s.auth.Authenticate(pkt.Field(0))
	if err != nil {
		s.sendFailure(c, "auth", err)
		return
	}

	exists, err := s.db.UserExists(ctx, userID)
	if err != nil {
		s.sendFailure(c, "auth", err)
		return
	}
	if !exists {
		s.sendFailure(c, "auth", models.ErrAuthentication)
		return
	}

	if err := s.bindUser(ctx, c, userID); err != nil {
		s.sendFailure(c, "auth", err)
		return
	}
	s.sendOK(c, "auth", id2s(userID))
}

func (s *Server) handleMessage(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	userID := s.requireUser(c, "msg")
	if userID == 0 {
		return
	}

	receiverID, err := pkt.ID(0)
	if err != nil {
		s.sendError(c, "msg", "Recipient required")
		return
	}

	m, err := s.chat.SendDirect(ctx, userID, receiverID, pkt.Field(1))
	s.replySent(c, "msg", m, err)
}

func (s *Server) handleGroupMessage(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	userID := s.requireUser(c, "gmsg")
	if userID == 0 {
		return
	}

	groupID, err := pkt.ID(0)
	if err != nil {
		s.sendError(c, "gmsg", "Group required")
		return
	}

	m, err := s.chat.SendGroup(ctx, userID, groupID, pkt.Field(1))
	s.replySent(c, "gmsg", m, err)
}

// replySent acknowledges a submitted message. A message that was stored but
// not queued is acknowledged as pending; it is still reachable through
// offmsg.
func (s *Server) replySent(c *Conn, operation string, m *models.Message, err error) {
	switch {
	case err == nil:
		s.sendOK(c, operation, id2s(m.ID))
	case m != nil && errors.Is(err, models.ErrTransient):
		jww.WARN.Printf("Message %d stored but not queued: %v", m.ID, err)
		s.sendOK(c, operation, id2s(m.ID), "pending")
	default:
		s.sendFailure(c, operation, err)
	}
}

func (s *Server) handleRead(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	userID := s.requireUser(c, "read")
	if userID == 0 {
		return
	}

	messageID, err := pkt.ID(0)
	if err != nil {
		s.sendError(c, "read", "Message id required")
		return
	}

	receipt, err := s.chat.MarkRead(ctx, userID, messageID)
	if err != nil {
		s.sendFailure(c, "read", err)
		return
	}
	s.sendOK(c, "read", id2s(messageID), string(receipt.Status))
}

func (s *Server) handleTyping(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	userID := s.requireUser(c, "typing")
	if userID == 0 {
		return
	}

	receiverID, err := pkt.ID(0)
	if err != nil {
		s.sendError(c, "typing", "Recipient required")
		return
	}
	if err := s.chat.Typing(ctx, userID, receiverID); err != nil {
		s.sendFailure(c, "typing", err)
	}
}

func (s *Server) handleAway(ctx context.Context, c *Conn) {
	userID := s.requireUser(c, "away")
	if userID == 0 {
		return
	}
	if err := s.tracker.GoOffline(ctx, userID); err != nil {
		s.sendFailure(c, "away", err)
		return
	}
	s.sendOK(c, "away")
}

func messageRecord(m models.Message) []string {
	return []string{id2s(m.ID), id2s(m.SenderID), m.Content, string(m.Status), formatTime(m.CreatedAt)}
}

func pageRecords(page *models.Page) [][]string {
	records := make([][]string, 0, len(page.Items))
	for _, m := range page.Items {
		records = append(records, messageRecord(m))
	}
	return records
}

// Format: hist|other|page|total|id|sender|content|status|time,...
func (s *Server) handleHistory(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	userID := s.requireUser(c, "hist")
	if userID == 0 {
		return
	}

	otherID, err := pkt.ID(0)
	if err != nil {
		s.sendError(c, "hist", "Contact required")
		return
	}

	page, err := s.chat.History(ctx, userID, otherID, models.PageRequest{
		Page: pkt.IntOr(1, 0),
		Size: pkt.IntOr(2, 0),
	})
	if err != nil {
		s.sendFailure(c, "hist", err)
		return
	}
	s.sendRecords(c, "hist",
		[]string{id2s(otherID), strconv.Itoa(page.Page), strconv.FormatInt(page.Total, 10)},
		pageRecords(page))
}

func (s *Server) handleGroupHistory(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	userID := s.requireUser(c, "ghist")
	if userID == 0 {
		return
	}

	groupID, err := pkt.ID(0)
	if err != nil {
		s.sendError(c, "ghist", "Group required")
		return
	}

	page, err := s.chat.GroupHistory(ctx, userID, groupID, models.PageRequest{
		Page: pkt.IntOr(1, 0),
		Size: pkt.IntOr(2, 0),
	})
	if err != nil {
		s.sendFailure(c, "ghist", err)
		return
	}
	s.sendRecords(c, "ghist",
		[]string{id2s(groupID), strconv.Itoa(page.Page), strconv.FormatInt(page.Total, 10)},
		pageRecords(page))
}

// Format: offmsg|id|sender|content|status|time,...
func (s *Server) handleOfflineMessages(ctx context.Context, c *Conn) {
	userID := s.requireUser(c, "offmsg")
	if userID == 0 {
		return
	}

	msgs, err := s.chat.FetchOffline(ctx, userID)
	if err != nil {
		s.sendFailure(c, "offmsg", err)
		return
	}

	records := make([][]string, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, messageRecord(m))
	}
	s.sendRecords(c, "offmsg", nil, records)
}

// Format: unread|sender|count,...
func (s *Server) handleUnread(ctx context.Context, c *Conn) {
	userID := s.requireUser(c, "unread")
	if userID == 0 {
		return
	}

	counts, err := s.chat.UnreadCounts(ctx, userID)
	if err != nil {
		s.sendFailure(c, "unread", err)
		return
	}

	senders := make([]int64, 0, len(counts))
	for sender := range counts {
		senders = append(senders, sender)
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i] < senders[j] })

	records := make([][]string, 0, len(senders))
	for _, sender := range senders {
		records = append(records, []string{id2s(sender), strconv.FormatInt(counts[sender], 10)})
	}
	s.sendRecords(c, "unread", nil, records)
}

// Format: stat|user|online|lastSeen
func (s *Server) handleStatus(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	if s.requireUser(c, "stat") == 0 {
		return
	}

	targetID, err := pkt.ID(0)
	if err != nil {
		s.sendError(c, "stat", "User required")
		return
	}

	p, err := s.tracker.Status(ctx, targetID)
	if err != nil {
		s.sendFailure(c, "stat", err)
		return
	}
	s.sendPacket(c, "stat", id2s(targetID), flag(p.Online), formatTime(p.LastSeen))
}

// Format: who|user|online|lastSeen,...
func (s *Server) handleWho(ctx context.Context, c *Conn) {
	userID := s.requireUser(c, "who")
	if userID == 0 {
		return
	}

	snapshot, err := s.tracker.Snapshot(ctx, userID)
	if err != nil {
		s.sendFailure(c, "who", err)
		return
	}

	ids := make([]int64, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	records := make([][]string, 0, len(ids))
	for _, id := range ids {
		p := snapshot[id]
		records = append(records, []string{id2s(id), flag(p.Online), formatTime(p.LastSeen)})
	}
	s.sendRecords(c, "who", nil, records)
}

func (s *Server) handleCreateGroup(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	userID := s.requireUser(c, "gnew")
	if userID == 0 {
		return
	}

	var members []int64
	for _, raw := range pkt.List(1) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			s.sendError(c, "gnew", "Invalid member id")
			return
		}
		members = append(members, id)
	}

	g, err := s.groups.CreateGroup(ctx, pkt.Field(0), userID, members)
	if err != nil {
		s.sendFailure(c, "gnew", err)
		return
	}
	s.sendOK(c, "gnew", id2s(g.ID))
}

func (s *Server) groupAndUser(c *Conn, operation string, pkt *protocol.Packet) (int64, int64, bool) {
	groupID, err := pkt.ID(0)
	if err != nil {
		s.sendError(c, operation, "Group required")
		return 0, 0, false
	}
	memberID, err := pkt.ID(1)
	if err != nil {
		s.sendError(c, operation, "User required")
		return 0, 0, false
	}
	return groupID, memberID, true
}

func (s *Server) handleAddMember(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	userID := s.requireUser(c, "gadd")
	if userID == 0 {
		return
	}
	groupID, memberID, ok := s.groupAndUser(c, "gadd", pkt)
	if !ok {
		return
	}

	if err := s.groups.AddMember(ctx, groupID, memberID, userID); err != nil {
		s.sendFailure(c, "gadd", err)
		return
	}
	s.sendOK(c, "gadd", id2s(groupID), id2s(memberID))
}

func (s *Server) handleRemoveMember(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	userID := s.requireUser(c, "gdel")
	if userID == 0 {
		return
	}
	groupID, memberID, ok := s.groupAndUser(c, "gdel", pkt)
	if !ok {
		return
	}

	if err := s.groups.RemoveMember(ctx, groupID, memberID, userID); err != nil {
		s.sendFailure(c, "gdel", err)
		return
	}
	s.sendOK(c, "gdel", id2s(groupID), id2s(memberID))
}

// Format: glist|id|name,...
func (s *Server) handleGroupList(ctx context.Context, c *Conn) {
	userID := s.requireUser(c, "glist")
	if userID == 0 {
		return
	}

	ids, err := s.groups.GroupsOf(ctx, userID)
	if err != nil {
		s.sendFailure(c, "glist", err)
		return
	}

	records := make([][]string, 0, len(ids))
	for _, id := range ids {
		g, err := s.groups.Group(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			s.sendFailure(c, "glist", err)
			return
		}
		records = append(records, []string{id2s(g.ID), g.Name})
	}
	s.sendRecords(c, "glist", nil, records)
}

// handleWatch subscribes the connection to the group feed. Only members may
// watch.
func (s *Server) handleWatch(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	userID := s.requireUser(c, "gwatch")
	if userID == 0 {
		return
	}

	groupID, err := pkt.ID(0)
	if err != nil {
		s.sendError(c, "gwatch", "Group required")
		return
	}

	member, err := s.groups.IsMember(ctx, groupID, userID)
	if err != nil {
		s.sendFailure(c, "gwatch", err)
		return
	}
	if !member {
		s.sendFailure(c, "gwatch", models.ErrAuthorization)
		return
	}

	c.mu.Lock()
	already := c.watching[groupID]
	c.mu.Unlock()
	if !already {
		if err := s.bridge.SubscribeGroup(groupID); err != nil {
			s.sendFailure(c, "gwatch", err)
			return
		}
		c.mu.Lock()
		c.watching[groupID] = true
		c.mu.Unlock()
		s.hub.watch(c, groupID)
	}
	s.sendOK(c, "gwatch", id2s(groupID))
}

func (s *Server) handleUnwatch(c *Conn, pkt *protocol.Packet) {
	if s.requireUser(c, "gunwatch") == 0 {
		return
	}

	groupID, err := pkt.ID(0)
	if err != nil {
		s.sendError(c, "gunwatch", "Group required")
		return
	}

	c.mu.Lock()
	watching := c.watching[groupID]
	delete(c.watching, groupID)
	c.mu.Unlock()
	if watching {
		s.hub.unwatch(c, groupID)
		s.bridge.UnsubscribeGroup(groupID)
	}
	s.sendOK(c, "gunwatch", id2s(groupID))
}

func (s *Server) handleBye(c *Conn) {
	if userID := c.UserID(); userID != 0 {
		jww.INFO.Printf("User %d said bye from %s", userID, c.transport.RemoteAddr())
	}
	s.detach(c)
	s.sendBye(c, "", "")
}

// Format: help|command1,command2,...
func (s *Server) handleHelp(c *Conn) {
	records := make([][]string, 0, len(commands))
	for _, cmd := range commands {
		records = append(records, []string{cmd})
	}
	s.sendRecords(c, "help", nil, records)
}

func id2s(id int64) string {
	return strconv.FormatInt(id, 10)
}
