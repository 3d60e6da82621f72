package resthandler

import (
	"net/http"
	"reflect"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"obshub.dev/hub/eventbus"
)

// upgrader uses generous buffer sizes for the JSON event payloads this
// bus moves, and an open CheckOrigin since the hub's CORS policy
// (http.NewEchoServer) already governs which origins may reach this
// far.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// StreamTopic upgrades the connection and relays every event published
// on topic whose type matches one of types (nil means "every type") as
// a JSON text frame, until the client disconnects or cancels.
func StreamTopic(c echo.Context, bus *eventbus.Bus, topic string, types []reflect.Type) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.WithError(err).Error("websocket upgrade")
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	sub := bus.Subscribe(topic, types, nil, func(event any) {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if writeErr := conn.WriteJSON(event); writeErr != nil {
			log.WithError(writeErr).Warn("websocket write failed, event dropped for this subscriber")
		}
	})
	defer sub.Cancel()

	// The bus delivers only up to the subscriber's outstanding demand;
	// since a live stream has no natural request count, grant a large
	// renewable allowance and keep topping it up as the connection
	// stays open.
	sub.Request(1 << 20)

	go func() {
		defer close(done)
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
			sub.Request(1 << 20)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}
