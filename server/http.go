package server

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatrelay/models"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const userKey = "userID"

type credentials struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type sendRequest struct {
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content" binding:"required"`
}

type groupRequest struct {
	Name      string  `json:"name" binding:"required"`
	MemberIDs []int64 `json:"memberIds"`
}

type memberRequest struct {
	UserID int64 `json:"userId" binding:"required"`
}

func allowsAll(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return len(origins) == 0
}

// Router builds the HTTP surface: auth, REST, health, stats and the
// websocket endpoint.
func (s *Server) Router(allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if allowsAll(allowedOrigins) {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
		corsConfig.AllowCredentials = true
	}
	router.Use(cors.New(corsConfig))

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowsAll(allowedOrigins) {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
					return true
				}
			}
			return false
		},
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "nodeId": s.config.NodeID})
	})
	router.POST("/api/auth/register", s.httpRegister)
	router.POST("/api/auth/login", s.httpLogin)
	router.GET("/ws", func(c *gin.Context) { s.httpWebsocket(c, &upgrader) })

	api := router.Group("/api", s.requireToken)
	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Stats())
	})
	api.POST("/messages", s.httpSendDirect)
	api.GET("/messages/offline", s.httpOffline)
	api.GET("/messages/unread-counts", s.httpUnread)
	api.GET("/messages/history/:otherId", s.httpHistory)
	api.POST("/messages/:id/read", s.httpMarkRead)

	api.GET("/presence", s.httpPresenceMap)
	api.GET("/presence/:userId", s.httpPresence)
	api.POST("/presence/heartbeat", s.httpHeartbeat)
	api.POST("/presence/offline", s.httpGoOffline)

	api.POST("/groups", s.httpCreateGroup)
	api.GET("/groups", s.httpListGroups)
	api.GET("/groups/:id", s.httpGroup)
	api.POST("/groups/:id/members", s.httpAddMember)
	api.DELETE("/groups/:id/members/:userId", s.httpRemoveMember)
	api.GET("/groups/:id/messages", s.httpGroupHistory)
	api.POST("/groups/:id/messages", s.httpSendGroup)

	return router
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWith(c *gin.Context, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		jww.ERROR.Printf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("token")
}

func (s *Server) requireToken(c *gin.Context) {
	userID, err := s.auth.Authenticate(bearerToken(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.Set(userKey, userID)
	c.Next()
}

func currentUser(c *gin.Context) int64 {
	return c.GetInt64(userKey)
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		abortWith(c, errors.Wrapf(models.ErrValidation, "bad %s", name))
		return 0, false
	}
	return id, true
}

func pageRequest(c *gin.Context) models.PageRequest {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "0"))
	return models.PageRequest{Page: page, Size: size}
}

// limited applies the rate limit for action and writes 429 when it is hit.
func (s *Server) limited(c *gin.Context, action string) bool {
	ok, retry := s.limiter.Allow(action, c.ClientIP())
	if ok {
		return false
	}
	seconds := int(retry.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many attempts"})
	return true
}

func (s *Server) httpRegister(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errors.Wrap(models.ErrValidation, err.Error()))
		return
	}
	if s.limited(c, "register") {
		return
	}

	id, err := s.db.CreateUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "username": strings.TrimSpace(req.Username)})
}

func (s *Server) httpLogin(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errors.Wrap(models.ErrValidation, err.Error()))
		return
	}
	if s.limited(c, "login") {
		return
	}

	userID, valid, err := s.db.AuthenticateUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		abortWith(c, err)
		return
	}
	if !valid {
		abortWith(c, errors.Wrap(models.ErrAuthentication, "invalid credentials"))
		return
	}

	token, err := s.auth.Issue(userID)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          userID,
		"accessToken": token,
		"tokenType":   "Bearer",
		"expiresIn":   int64(s.config.TokenTTL / time.Second),
	})
}

// httpWebsocket authenticates before the upgrade, then serves the line
// protocol over text frames on this goroutine.
func (s *Server) httpWebsocket(c *gin.Context, upgrader *websocket.Upgrader) {
	userID, err := s.auth.Authenticate(bearerToken(c))
	if err != nil {
		abortWith(c, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		jww.DEBUG.Printf("Websocket upgrade from %s failed: %v", c.ClientIP(), err)
		return
	}

	conn := newConn(newWSTransport(ws))
	if err := s.bindUser(c.Request.Context(), conn, userID); err != nil {
		jww.WARN.Printf("Attaching websocket for user %d failed: %v", userID, err)
		ws.Close()
		return
	}
	s.sendOK(conn, "auth", id2s(userID))
	s.serve(conn)
}

func (s *Server) httpSendDirect(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errors.Wrap(models.ErrValidation, err.Error()))
		return
	}

	m, err := s.chat.SendDirect(c.Request.Context(), currentUser(c), req.ReceiverID, req.Content)
	s.respondSent(c, m, err)
}

func (s *Server) respondSent(c *gin.Context, m *models.Message, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, m)
	case m != nil && errors.Is(err, models.ErrTransient):
		c.JSON(http.StatusAccepted, m)
	default:
		abortWith(c, err)
	}
}

func (s *Server) httpOffline(c *gin.Context) {
	msgs, err := s.chat.FetchOffline(c.Request.Context(), currentUser(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) httpUnread(c *gin.Context) {
	counts, err := s.chat.UnreadCounts(c.Request.Context(), currentUser(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	out := make(map[string]int64, len(counts))
	for sender, n := range counts {
		out[id2s(sender)] = n
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) httpHistory(c *gin.Context) {
	otherID, ok := paramID(c, "otherId")
	if !ok {
		return
	}
	page, err := s.chat.History(c.Request.Context(), currentUser(c), otherID, pageRequest(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) httpMarkRead(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	receipt, err := s.chat.MarkRead(c.Request.Context(), currentUser(c), messageID)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (s *Server) httpPresenceMap(c *gin.Context) {
	snapshot, err := s.tracker.Snapshot(c.Request.Context(), currentUser(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	out := make(map[string]bool, len(snapshot))
	for id, p := range snapshot {
		out[id2s(id)] = p.Online
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) httpPresence(c *gin.Context) {
	userID, ok := paramID(c, "userId")
	if !ok {
		return
	}
	p, err := s.tracker.Status(c.Request.Context(), userID)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) httpHeartbeat(c *gin.Context) {
	if err := s.tracker.Heartbeat(c.Request.Context(), currentUser(c)); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) httpGoOffline(c *gin.Context) {
	if err := s.tracker.GoOffline(c.Request.Context(), currentUser(c)); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) httpCreateGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errors.Wrap(models.ErrValidation, err.Error()))
		return
	}
	g, err := s.groups.CreateGroup(c.Request.Context(), req.Name, currentUser(c), req.MemberIDs)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

func (s *Server) httpListGroups(c *gin.Context) {
	ctx := c.Request.Context()
	ids, err := s.groups.GroupsOf(ctx, currentUser(c))
	if err != nil {
		abortWith(c, err)
		return
	}

	out := make([]*models.Group, 0, len(ids))
	for _, id := range ids {
		g, err := s.groups.Group(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			abortWith(c, err)
			return
		}
		out = append(out, g)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) httpGroup(c *gin.Context) {
	groupID, ok := paramID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	member, err := s.groups.IsMember(ctx, groupID, currentUser(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	if !member {
		abortWith(c, errors.Wrap(models.ErrAuthorization, "not a member"))
		return
	}
	g, err := s.groups.Group(ctx, groupID)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (s *Server) httpAddMember(c *gin.Context) {
	groupID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errors.Wrap(models.ErrValidation, err.Error()))
		return
	}
	if err := s.groups.AddMember(c.Request.Context(), groupID, req.UserID, currentUser(c)); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) httpRemoveMember(c *gin.Context) {
	groupID, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID, ok := paramID(c, "userId")
	if !ok {
		return
	}
	if err := s.groups.RemoveMember(c.Request.Context(), groupID, userID, currentUser(c)); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) httpGroupHistory(c *gin.Context) {
	groupID, ok := paramID(c, "id")
	if !ok {
		return
	}
	page, err := s.chat.GroupHistory(c.Request.Context(), currentUser(c), groupID, pageRequest(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) httpSendGroup(c *gin.Context) {
	groupID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errors.Wrap(models.ErrValidation, err.Error()))
		return
	}
	m, err := s.chat.SendGroup(c.Request.Context(), currentUser(c), groupID, req.Content)
	s.respondSent(c, m, err)
}
