// Package kick adapts Kick chat to the moderation pipeline. Kick exposes
// chat over a Pusher-protocol WebSocket; ingestion is read-only because
// Kick has no public moderation API, so all actions report ErrUnsupported
// and verdicts are still evaluated and logged.
package kick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/streamwarden/moderation"
)

// ErrUnsupported is returned by every moderation action on Kick.
var ErrUnsupported = errors.New("kick: moderation actions not supported")

const (
	defaultWSURL     = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=8.4.0-rc2&flash=false"
	chatMessageEvent = `App\Events\ChatMessageEvent`
	pingInterval     = 25 * time.Second
	maxBackoff       = 2 * time.Minute
)

// Chatroom binds a Kick chatroom ID to the tenant (channel slug) it
// moderates under.
type Chatroom struct {
	Slug string
	ID   int64
}

// Adapter subscribes to the configured chatrooms and feeds messages into
// the coordinator.
type Adapter struct {
	Chatrooms   []Chatroom
	Coordinator *moderation.Coordinator
	WSURL       string // override for tests

	pingEvery time.Duration // zero means pingInterval
}

// wsConn serializes writes: the read loop answers server pings while the
// keepalive ticker writes its own, and gorilla/websocket allows only one
// concurrent writer.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func NewAdapter(chatrooms []Chatroom, coord *moderation.Coordinator) *Adapter {
	return &Adapter{Chatrooms: chatrooms, Coordinator: coord}
}

type pusherFrame struct {
	Event   string `json:"event"`
	Data    string `json:"data"`
	Channel string `json:"channel,omitempty"`
}

type chatPayload struct {
	ID         string    `json:"id"`
	ChatroomID int64     `json:"chatroom_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	Sender     struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
		Slug     string `json:"slug"`
	} `json:"sender"`
}

// Start maintains the WebSocket connection until ctx is cancelled,
// reconnecting with exponential backoff.
func (a *Adapter) Start(ctx context.Context) error {
	url := a.WSURL
	if url == "" {
		url = defaultWSURL
	}
	backoff := time.Second
	for {
		err := a.run(ctx, url)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("kick connection lost, reconnecting",
			slog.String("component", "kick"),
			slog.Duration("backoff", backoff),
			slog.Any("err", err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (a *Adapter) run(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	raw, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn := &wsConn{conn: raw}
	defer func() { _ = raw.Close() }()

	tenants := make(map[int64]string, len(a.Chatrooms))
	for _, room := range a.Chatrooms {
		tenants[room.ID] = room.Slug
		sub := pusherFrame{
			Event: "pusher:subscribe",
			Data:  fmt.Sprintf(`{"auth":"","channel":"chatrooms.%d.v2"}`, room.ID),
		}
		if err := conn.writeJSON(sub); err != nil {
			return fmt.Errorf("subscribe chatroom %d: %w", room.ID, err)
		}
	}
	slog.Info("kick chat connected", slog.String("component", "kick"), slog.Int("chatrooms", len(a.Chatrooms)))

	// close the connection when ctx ends so ReadMessage unblocks
	go func() {
		<-ctx.Done()
		_ = raw.Close()
	}()

	go a.pingLoop(ctx, conn)

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return err
		}
		var frame pusherFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("kick frame parse failed", slog.String("component", "kick"), slog.Any("err", err))
			continue
		}
		switch frame.Event {
		case "pusher:ping":
			_ = conn.writeJSON(pusherFrame{Event: "pusher:pong", Data: "{}"})
		case chatMessageEvent:
			a.handleChat(ctx, frame.Data, tenants)
		}
	}
}

func (a *Adapter) pingLoop(ctx context.Context, conn *wsConn) {
	every := a.pingEvery
	if every <= 0 {
		every = pingInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.writeJSON(pusherFrame{Event: "pusher:ping", Data: "{}"}); err != nil {
				return
			}
		}
	}
}

func (a *Adapter) handleChat(ctx context.Context, data string, tenants map[int64]string) {
	var payload chatPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		slog.Debug("kick chat parse failed", slog.String("component", "kick"), slog.Any("err", err))
		return
	}
	tenant, ok := tenants[payload.ChatroomID]
	if !ok {
		return
	}
	received := payload.CreatedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	a.Coordinator.Handle(ctx, moderation.Message{
		TenantID:   tenant,
		Platform:   moderation.PlatformKick,
		ChannelID:  strconv.FormatInt(payload.ChatroomID, 10),
		UserID:     strconv.FormatInt(payload.Sender.ID, 10),
		Username:   payload.Sender.Username,
		Text:       payload.Content,
		ReceivedAt: received,
	})
}

// SendWarning is unsupported on Kick.
func (a *Adapter) SendWarning(ctx context.Context, tenantID, userID, text string) error {
	return ErrUnsupported
}

// TimeoutUser is unsupported on Kick.
func (a *Adapter) TimeoutUser(ctx context.Context, tenantID, userID string, duration time.Duration) error {
	return ErrUnsupported
}

// BanUser is unsupported on Kick.
func (a *Adapter) BanUser(ctx context.Context, tenantID, userID string) error {
	return ErrUnsupported
}
