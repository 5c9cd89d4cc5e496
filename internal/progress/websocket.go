package progress

import (
	"context"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
)

// WebsocketDialer connects to the progress endpoint over a websocket and
// forwards text and binary frames verbatim.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string, emit func(Event)) (io.Closer, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	emit(Event{Kind: EventOpen})
	go readLoop(conn, emit)
	return conn, nil
}

func readLoop(conn *websocket.Conn, emit func(Event)) {
	defer func() {
		_ = conn.Close()
		emit(Event{Kind: EventClose})
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				emit(Event{Kind: EventError, Err: err})
			}
			return
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			emit(Event{Kind: EventMessage, Text: string(data)})
		}
	}
}
