package server

import (
	"context"
	"io"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatrelay/auth"
	"chatrelay/bridge"
	"chatrelay/chat"
	"chatrelay/cluster"
	"chatrelay/db"
	"chatrelay/groups"
	"chatrelay/models"
	"chatrelay/protocol"
	"chatrelay/queue"
	"chatrelay/session"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

type Server struct {
	db       *db.DB
	config   *Config
	backends *cluster.Backends

	hub     *Hub
	bridge  *bridge.Bridge
	tracker *session.Tracker
	groups  *groups.Resolver
	chat    *chat.Service
	auth    *auth.Authenticator
	limiter *auth.Limiter

	mu       sync.Mutex
	listener net.Listener
	closing  bool
	started  time.Time
}

type Config struct {
	NodeID       string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	JWTSecret    string
	TokenTTL     time.Duration
	ConsumerRate int
}

func New(database *db.DB, config *Config, backends *cluster.Backends) *Server {
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 120 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if config.TokenTTL == 0 {
		config.TokenTTL = 15 * time.Minute
	}

	s := &Server{
		db:       database,
		config:   config,
		backends: backends,
		hub:      NewHub(),
		started:  time.Now(),
	}

	s.bridge = bridge.New(backends.PubSub, s.hub)
	s.tracker = session.NewTracker(session.NewRegistry(backends.Sessions), backends.Liveness, database, s.bridge)
	s.groups = groups.NewResolver(database)
	s.chat = chat.NewService(database, s.groups, queue.NewProducer(backends.Queue), s.bridge)
	s.auth = auth.NewAuthenticator(config.JWTSecret, config.TokenTTL)
	s.limiter = auth.NewLimiter(map[string]auth.Rule{
		"login":    auth.LoginRule,
		"register": auth.RegisterRule,
	})
	return s
}

// Run starts the delivery consumers and the presence listener. They stop
// when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.chat.Run(ctx, s.backends.Queue, s.config.ConsumerRate); err != nil {
		return err
	}
	if err := s.bridge.SubscribePresence(); err != nil {
		return errors.Wrap(err, "subscribe presence")
	}
	return nil
}

// Start accepts line-protocol connections until ctx is cancelled or Close
// is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return errors.Wrapf(err, "listen on port %d", s.config.Port)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	jww.INFO.Printf("chatrelay node %s listening on port %d", s.config.NodeID, s.config.Port)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			jww.WARN.Printf("Error accepting connection: %v", err)
			continue
		}

		go s.ServeConn(conn)
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// ServeConn speaks the line protocol on conn until it closes.
func (s *Server) ServeConn(conn net.Conn) {
	s.serve(newConn(newTCPTransport(conn)))
}

func (s *Server) serve(c *Conn) {
	remoteAddr := c.transport.RemoteAddr()
	jww.INFO.Printf("New client connected from %s", remoteAddr)

	s.hub.add(c)
	go c.writeLoop(s.config.WriteTimeout)

	defer func() {
		if r := recover(); r != nil {
			jww.ERROR.Printf("Panic serving %s: %v\n%s", remoteAddr, r, debug.Stack())
			c.finish(protocol.Format("bye", "error"))
		}
		s.detach(c)
		s.hub.remove(c)
		c.finish("")
		jww.INFO.Printf("Client disconnected from %s", remoteAddr)
	}()

	for {
		line, err := c.transport.ReadLine(s.config.ReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				jww.INFO.Printf("Client %s timed out", remoteAddr)
				s.sendBye(c, "timeout", "")
				return
			}
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				jww.DEBUG.Printf("Error reading from %s: %v", remoteAddr, err)
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		pkt, err := protocol.Parse(line)
		if err != nil {
			jww.DEBUG.Printf("Parse error from %s: %v", remoteAddr, err)
			s.sendError(c, "", "Invalid packet format")
			continue
		}

		// credentials stay out of the log
		switch pkt.Type {
		case "reg", "login", "auth":
			jww.DEBUG.Printf("Received %s from %s", pkt.Type, remoteAddr)
		default:
			jww.TRACE.Printf("Received from %s: %q", remoteAddr, line)
		}

		if !s.handlePacket(c, pkt) {
			return
		}
	}
}

// attach binds c to userID: the local hub entry, the bridge subscription and
// the tracker's registry and presence. The returned release undoes all of it
// and is safe to call once on any exit path.
func (s *Server) attach(ctx context.Context, c *Conn, userID int64) (func(), error) {
	if err := s.bridge.SubscribeUser(userID); err != nil {
		return nil, err
	}
	s.hub.bind(c, userID)

	sess := models.Session{
		UserID:      userID,
		NodeID:      s.config.NodeID,
		ConnID:      c.id,
		ConnectedAt: time.Now().UTC(),
	}
	if err := s.tracker.Connect(ctx, sess); err != nil {
		s.hub.unbind(c, userID)
		s.bridge.UnsubscribeUser(userID)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.hub.unbind(c, userID)
			s.bridge.UnsubscribeUser(userID)
			if err := s.tracker.Disconnect(context.Background(), sess); err != nil {
				jww.WARN.Printf("Disconnect of user %d failed: %v", userID, err)
			}
		})
	}, nil
}

// bindUser attaches c to userID, first releasing any previous binding.
func (s *Server) bindUser(ctx context.Context, c *Conn, userID int64) error {
	if c.UserID() == userID {
		return nil
	}
	s.detach(c)

	release, err := s.attach(ctx, c, userID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.userID = userID
	c.release = release
	c.mu.Unlock()
	jww.INFO.Printf("User %d attached from %s", userID, c.transport.RemoteAddr())
	return nil
}

// detach releases the user binding and group watches of c.
func (s *Server) detach(c *Conn) {
	c.mu.Lock()
	release := c.release
	watching := c.watching
	c.userID = 0
	c.release = nil
	c.watching = make(map[int64]bool)
	c.mu.Unlock()

	for groupID := range watching {
		s.hub.unwatch(c, groupID)
		s.bridge.UnsubscribeGroup(groupID)
	}
	if release != nil {
		release()
	}
}

func (s *Server) sendPacket(c *Conn, pktType string, fields ...string) {
	c.send(protocol.Format(pktType, fields...))
}

func (s *Server) sendRecords(c *Conn, pktType string, head []string, records [][]string) {
	c.send(protocol.FormatRecords(pktType, head, records))
}

func (s *Server) sendOK(c *Conn, operation string, fields ...string) {
	s.sendPacket(c, "ok", append([]string{operation}, fields...)...)
}

func (s *Server) sendError(c *Conn, operation, description string) {
	if operation != "" {
		s.sendPacket(c, "fail", operation, description)
	} else {
		s.sendPacket(c, "fail", description)
	}
}

// sendFailure maps err onto a client-facing description.
func (s *Server) sendFailure(c *Conn, operation string, err error) {
	var description string
	switch {
	case errors.Is(err, models.ErrValidation):
		description = "Invalid request"
	case errors.Is(err, models.ErrAuthorization):
		description = "Not authorized"
	case errors.Is(err, models.ErrAuthentication):
		description = "Authentication failed"
	case errors.Is(err, models.ErrConflict):
		description = "Already exists"
	case errors.Is(err, models.ErrNotFound):
		description = "Not found"
	case errors.Is(err, models.ErrTransient):
		description = "Temporarily unavailable"
	default:
		jww.ERROR.Printf("%s failed for %s: %v", operation, c.transport.RemoteAddr(), err)
		description = "Internal error"
	}
	s.sendError(c, operation, description)
}

// sendBye queues bye as the last packet and closes the connection.
func (s *Server) sendBye(c *Conn, reason, details string) {
	var fields []string
	if reason != "" {
		fields = append(fields, reason)
	}
	if details != "" {
		fields = append(fields, details)
	}
	c.finish(protocol.Format("bye", fields...))
}

// Shutdown sends bye to every connection and stops accepting new ones.
// reason is e.g. "maintenance" or "restart"; completionTime, when set, is
// sent as the expected end of the outage.
func (s *Server) Shutdown(reason string, completionTime time.Time) {
	s.mu.Lock()
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	var details string
	if !completionTime.IsZero() {
		details = completionTime.UTC().Format(time.RFC3339)
	}

	conns := s.hub.allConns()
	for _, c := range conns {
		s.detach(c)
		s.sendBye(c, reason, details)
	}
	jww.INFO.Printf("Shutdown (%s): closed %d connections", reason, len(conns))
}

// Close releases the bridge subscriptions.
func (s *Server) Close() {
	s.bridge.Close()
}

type Stats struct {
	NodeID      string  `json:"nodeId"`
	Connections int     `json:"connections"`
	Users       []int64 `json:"users"`
	Uptime      string  `json:"uptime"`
}

func (s *Server) Stats() Stats {
	conns, users := s.hub.Stats()
	return Stats{
		NodeID:      s.config.NodeID,
		Connections: conns,
		Users:       users,
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	st := s.Stats()
	users := make([]string, 0, len(st.Users))
	for _, u := range st.Users {
		users = append(users, strconv.FormatInt(u, 10))
	}
	return "connections=" + strconv.Itoa(st.Connections) + ",users=" + strings.Join(users, ";")
}
