package ws

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"artpulse/internal/presence"
)

// Inbound and outbound event names on the realtime channel.
const (
	evUserOnline    = "user-online"
	evSendMessage   = "send-message"
	evArtLiked      = "art-liked"
	evNewMessage    = "new-message"
	evArtLikeUpdate = "art-like-update"
)

// Upgrade gates the /ws route to genuine websocket upgrade requests.
func Upgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// Handler runs one connection: attach, pump, dispatch, detach. Disconnect is
// the only termination signal; the deferred detach is what removes the
// registry entry and triggers the roster re-broadcast.
func Handler(broker *presence.Broker) fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		c := newClient(conn)
		broker.Attach(c)
		go c.writePump()
		defer func() {
			broker.Detach(c.id)
			c.close()
		}()

		conn.SetReadLimit(maxMsgSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				// read error ends the loop so the deferred cleanup can fire
				return
			}
			dispatch(broker, c, payload)
		}
	})
}

// dispatch routes one inbound frame. Nothing a client sends may break the
// event loop for other connections: malformed payloads are defaulted or
// ignored, and panics are contained here.
func dispatch(broker *presence.Broker, c *client, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			wsLogger.Sugar().Errorf("event handler panic: %v", r)
		}
	}()

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		wsLogger.Sugar().Debugf("malformed frame from %s: %v", c.id, err)
		return
	}

	switch env.Event {
	case evUserOnline:
		broker.Announce(c.id, parseIdentity(env.Data))
	case evSendMessage:
		data := parseLoose(env.Data)
		message := strField(data, "message")
		if message == "" {
			return
		}
		broker.Relay(c.id, evNewMessage, fiber.Map{
			"id":        uuid.NewString(),
			"message":   message,
			"username":  displayName(strField(data, "username")),
			"timestamp": time.Now().UnixMilli(),
		})
	case evArtLiked:
		data := parseLoose(env.Data)
		broker.Relay(c.id, evArtLikeUpdate, fiber.Map{
			"artId":      data["artId"],
			"likesCount": data["likesCount"],
			"likedBy":    displayName(strField(data, "username")),
		})
	default:
		wsLogger.Sugar().Debugf("unknown event %q from %s", env.Event, c.id)
	}
}

// parseIdentity tolerates missing or wrong-typed identity fields; presence
// is advisory, so bad input degrades to a guest identity instead of an error.
func parseIdentity(raw json.RawMessage) presence.Identity {
	data := parseLoose(raw)
	return presence.Identity{
		UserID:   strField(data, "userId"),
		Username: strField(data, "username"),
	}
}

func parseLoose(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func strField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func displayName(username string) string {
	if username == "" {
		return "Guest"
	}
	return username
}
