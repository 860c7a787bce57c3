package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/doc2288/streeming-app/internal/auth"
	"github.com/doc2288/streeming-app/internal/metrics"
	"github.com/doc2288/streeming-app/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// bcrypt 只使用前 72 字节，更长的密码直接拒绝。
const maxPasswordBytes = 72

// HealthCheck 返回 nil 表示依赖可用。
type HealthCheck func(ctx context.Context) error

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	sessions *service.SessionService
	rooms    *service.RoomService
	health   HealthCheck
}

func NewHandler(sessions *service.SessionService, rooms *service.RoomService, health HealthCheck) *Handler {
	return &Handler{sessions: sessions, rooms: rooms, health: health}
}

type credentialsRequest struct {
	Email    string `json:"email" binding:"required,email,max=320"`
	Password string `json:"password" binding:"required,min=8"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func clientMeta(c *gin.Context) service.ClientMeta {
	return service.ClientMeta{UserAgent: c.Request.UserAgent(), IP: c.ClientIP()}
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
}

// respond 把 service 层错误映射为 HTTP 状态码；未知错误记录日志并返回 500。
func respond(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		metrics.ObserveAuth(op, "rejected")
		badRequest(c)
	case errors.Is(err, service.ErrUnauthenticated):
		metrics.ObserveAuth(op, "rejected")
		log.Debug().Err(err).Str("op", op).Msg("unauthenticated")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, service.ErrForbidden):
		metrics.ObserveAuth(op, "rejected")
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, service.ErrEmailTaken):
		metrics.ObserveAuth(op, "rejected")
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		metrics.ObserveAuth(op, "error")
		log.Error().Err(err).Str("op", op).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Password) > maxPasswordBytes {
		metrics.ObserveAuth("register", "rejected")
		badRequest(c)
		return
	}
	res, err := h.sessions.Register(c.Request.Context(), req.Email, req.Password, clientMeta(c))
	if err != nil {
		respond(c, "register", err)
		return
	}
	metrics.ObserveAuth("register", "ok")
	log.Info().Str("user_id", res.User.ID).Msg("user registered")
	c.JSON(http.StatusOK, res)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.ObserveAuth("login", "rejected")
		badRequest(c)
		return
	}
	res, err := h.sessions.Login(c.Request.Context(), req.Email, req.Password, clientMeta(c))
	if err != nil {
		respond(c, "login", err)
		return
	}
	metrics.ObserveAuth("login", "ok")
	c.JSON(http.StatusOK, res)
}

// Refresh 处理 token 轮换请求。
func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.ObserveAuth("refresh", "rejected")
		badRequest(c)
		return
	}
	res, err := h.sessions.Refresh(c.Request.Context(), req.RefreshToken, clientMeta(c))
	if err != nil {
		respond(c, "refresh", err)
		return
	}
	metrics.ObserveAuth("refresh", "ok")
	c.JSON(http.StatusOK, res)
}

// Logout 需要访问令牌；body 可以为空。
func (h *Handler) Logout(c *gin.Context) {
	var req logoutRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c)
		return
	}
	if err := h.sessions.Logout(c.Request.Context(), req.RefreshToken, auth.GetClaims(c)); err != nil {
		respond(c, "logout", err)
		return
	}
	metrics.ObserveAuth("logout", "ok")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) Me(c *gin.Context) {
	claims, err := h.sessions.WhoAmI(auth.BearerToken(c.GetHeader("Authorization")))
	if err != nil {
		respond(c, "me", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": claims})
}

// RevokeSessions 撤销目标用户的全部会话（"在所有设备上退出"）。
func (h *Handler) RevokeSessions(c *gin.Context) {
	n, err := h.sessions.RevokeAllSessions(c.Request.Context(), auth.GetClaims(c), c.Param("id"))
	if err != nil {
		respond(c, "revoke_all", err)
		return
	}
	metrics.ObserveAuth("revoke_all", "ok")
	log.Info().Str("target", c.Param("id")).Int64("revoked", n).Msg("sessions revoked")
	c.JSON(http.StatusOK, gin.H{"ok": true, "revoked": n})
}

// ListRooms 返回当前活跃的聊天房间及在线人数。
func (h *Handler) ListRooms(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	c.JSON(http.StatusOK, gin.H{"rooms": h.rooms.List(limit), "total": h.rooms.Total()})
}

func (h *Handler) GetRoom(c *gin.Context) {
	room, err := h.rooms.Get(c.Param("streamId"))
	if err != nil {
		respond(c, "room", err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// Healthz 在依赖不可用时返回 503。
func (h *Handler) Healthz(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "db": "unknown"})
		return
	}
	if err := h.health(c.Request.Context()); err != nil {
		log.Warn().Err(err).Msg("health check")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": "down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "db": "up"})
}
