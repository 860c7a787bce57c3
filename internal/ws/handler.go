package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/doc2288/streeming-app/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const maxStreamIDLength = 128

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Serve 处理 GET /chat/:streamId。token 可放在 query 或 Authorization 头，
// 无效或缺失的 token 不拒绝连接，而是以匿名身份加入。
func Serve(reg *Registry, tokens *auth.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		streamID := strings.TrimSpace(c.Param("streamId"))
		if streamID == "" || len(streamID) > maxStreamIDLength {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
			return
		}

		userID := identify(c, tokens)

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug().Err(err).Str("stream", streamID).Msg("ws upgrade failed")
			return
		}
		client := newClient(conn, streamID, userID)
		if err := reg.Join(streamID, client); err != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}
		log.Debug().Str("stream", streamID).Bool("anonymous", userID == nil).Msg("ws joined")

		go client.writePump()
		client.readPump(reg)
	}
}

func identify(c *gin.Context, tokens *auth.TokenService) *string {
	token := c.Query("token")
	if token == "" {
		token = auth.BearerToken(c.GetHeader("Authorization"))
	}
	if token == "" {
		return nil
	}
	claims, err := tokens.VerifyAccess(token)
	if err != nil {
		return nil
	}
	sub := claims.Subject
	return &sub
}
