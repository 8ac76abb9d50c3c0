package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"avatar-cache/internal/directory"
	"avatar-cache/internal/metrics"
	"avatar-cache/internal/repository"
	"avatar-cache/internal/service"
)

type Options struct {
	// JWTSecret enables bearer auth on mutating routes when non-empty.
	JWTSecret   string
	CreateRPS   float64
	CreateBurst int
	Metrics     *metrics.Metrics
	Logger      *logrus.Logger
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	users   service.UserService
	avatars service.AvatarService
	opts    Options
	limiter *ipRateLimiter
}

func NewHandler(users service.UserService, avatars service.AvatarService, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	h := &Handler{
		users:   users,
		avatars: avatars,
		opts:    opts,
	}
	if opts.CreateRPS > 0 {
		h.limiter = newIPRateLimiter(opts.CreateRPS, opts.CreateBurst)
	}
	return h
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestLogger(h.opts.Logger))
	router.Use(corsMiddleware())

	auth := bearerAuth(h.opts.JWTSecret)

	api := router.Group("/api")
	{
		api.POST("/users", auth, h.limiter.middleware(), h.createUser)
		api.GET("/users", h.listUsers)
		api.GET("/users/local/:userId", h.getLocalUser)
		api.GET("/users/:userId", h.getUser)
		api.DELETE("/users/:userId", auth, h.deleteUser)
		api.GET("/users/:userId/avatar", h.getAvatar)
		api.DELETE("/users/:userId/avatar", auth, h.deleteAvatar)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
	}

	router.GET("/metrics", gin.WrapH(h.opts.Metrics.Handler()))
}

type createUserRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar"`
}

func (h *Handler) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Create(c.Request.Context(), service.CreateUserInput{
		ID:     req.ID,
		Name:   req.Name,
		Email:  req.Email,
		Avatar: req.Avatar,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, user)
}

func (h *Handler) listUsers(c *gin.Context) {
	users, err := h.users.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *Handler) getUser(c *gin.Context) {
	attrs, err := h.users.Lookup(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, attrs)
}

// getLocalUser returns the stored record, including its avatar hash.
func (h *Handler) getLocalUser(c *gin.Context) {
	user, err := h.users.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) deleteUser(c *gin.Context) {
	if err := h.users.Delete(c.Request.Context(), c.Param("userId")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "User deleted successfully"})
}

func (h *Handler) getAvatar(c *gin.Context) {
	encoded, err := h.avatars.GetAvatar(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(encoded))
}

func (h *Handler) deleteAvatar(c *gin.Context) {
	res, err := h.avatars.DeleteAvatar(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": res.Message()})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.opts.Logger.WithFields(logrus.Fields{
			"path":   c.FullPath(),
			"status": status,
		}).WithError(err).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, directory.ErrNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrCacheCorrupt):
		return http.StatusInternalServerError
	case errors.Is(err, service.ErrUserLookupFailed),
		errors.Is(err, directory.ErrRemoteUnavailable),
		errors.Is(err, directory.ErrDecode),
		errors.Is(err, directory.ErrTooLarge):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
