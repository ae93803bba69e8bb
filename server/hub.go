package server

import (
	"sort"
	"sync"

	"chatrelay/models"
	"chatrelay/protocol"
)

// Hub indexes this node's live connections by user and by watched group and
// turns bridge events into packets. It implements bridge.Sink.
type Hub struct {
	mu       sync.RWMutex
	conns    map[*Conn]struct{}
	users    map[int64]map[*Conn]struct{}
	watchers map[int64]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns:    make(map[*Conn]struct{}),
		users:    make(map[int64]map[*Conn]struct{}),
		watchers: make(map[int64]map[*Conn]struct{}),
	}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

func addTo(index map[int64]map[*Conn]struct{}, id int64, c *Conn) {
	if index[id] == nil {
		index[id] = make(map[*Conn]struct{})
	}
	index[id][c] = struct{}{}
}

func removeFrom(index map[int64]map[*Conn]struct{}, id int64, c *Conn) {
	if set := index[id]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(index, id)
		}
	}
}

func (h *Hub) bind(c *Conn, userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addTo(h.users, userID, c)
}

func (h *Hub) unbind(c *Conn, userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	removeFrom(h.users, userID, c)
}

func (h *Hub) watch(c *Conn, groupID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addTo(h.watchers, groupID, c)
}

func (h *Hub) unwatch(c *Conn, groupID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	removeFrom(h.watchers, groupID, c)
}

func snapshot(set map[*Conn]struct{}) []*Conn {
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) userConns(userID int64) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return snapshot(h.users[userID])
}

func (h *Hub) groupConns(groupID int64) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return snapshot(h.watchers[groupID])
}

func (h *Hub) allConns() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return snapshot(h.conns)
}

func (h *Hub) toUser(userID int64, line string) {
	for _, c := range h.userConns(userID) {
		c.send(line)
	}
}

func (h *Hub) Message(userID int64, ev models.ChatEvent) {
	if ev.GroupID != nil {
		h.toUser(userID, protocol.Format("gmsg", id2s(*ev.GroupID), id2s(ev.MessageID), id2s(ev.SenderID), ev.Content))
		return
	}
	h.toUser(userID, protocol.Format("msg", id2s(ev.MessageID), id2s(ev.SenderID), ev.Content))
}

func (h *Hub) GroupMessage(groupID int64, ev models.ChatEvent) {
	line := protocol.Format("gfeed", id2s(groupID), id2s(ev.MessageID), id2s(ev.SenderID), ev.Content)
	for _, c := range h.groupConns(groupID) {
		c.send(line)
	}
}

func (h *Hub) Receipt(userID int64, r models.ReadReceipt) {
	h.toUser(userID, protocol.Format("rcpt", id2s(r.MessageID), id2s(r.ReceiverID), string(r.Status)))
}

func (h *Hub) Typing(userID int64, ev models.TypingEvent) {
	h.toUser(userID, protocol.Format("typing", id2s(ev.SenderID)))
}

// Presence is pushed to every authenticated connection except the user's own.
func (h *Hub) Presence(ev models.PresenceEvent) {
	line := protocol.Format("pres", id2s(ev.UserID), flag(ev.Online))
	for _, c := range h.allConns() {
		if uid := c.UserID(); uid != 0 && uid != ev.UserID {
			c.send(line)
		}
	}
}

// Stats reports connection and distinct user counts plus the user ids.
func (h *Hub) Stats() (int, []int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]int64, 0, len(h.users))
	for u := range h.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return len(h.conns), users
}
