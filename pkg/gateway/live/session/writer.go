package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/askdesk/askdesk/pkg/gateway/live/protocol"
)

// outboundWriter serializes all writes to the client socket: session
// messages, keepalive pings, and the final close frame. gorilla/websocket
// allows only one concurrent writer.
type outboundWriter struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pingInterval time.Duration

	msgs     chan []byte
	shutdown chan struct{} // ask the loop to flush and exit
	done     chan struct{} // loop exited

	closeOnce sync.Once
	closeCode int
	closeText string

	errMu sync.Mutex
	err   error
}

func newOutboundWriter(conn *websocket.Conn, pingInterval, writeTimeout time.Duration) *outboundWriter {
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &outboundWriter{
		conn:         conn,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		msgs:         make(chan []byte, 64),
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
		closeCode:    websocket.CloseNormalClosure,
	}
}

// send enqueues one message. Fails once the writer has shut down.
func (w *outboundWriter) send(m protocol.Message) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	select {
	case w.msgs <- data:
		return nil
	case <-w.done:
		return fmt.Errorf("writer closed")
	case <-w.shutdown:
		return fmt.Errorf("writer closing")
	}
}

func (w *outboundWriter) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-w.msgs:
			if err := w.writeFrame(websocket.TextMessage, data); err != nil {
				w.setErr(err)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(w.writeTimeout)
			if err := w.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				w.setErr(err)
				return
			}
		case <-w.shutdown:
			w.drainAndClose()
			return
		}
	}
}

// drainAndClose flushes queued messages, then sends the close frame.
func (w *outboundWriter) drainAndClose() {
	for {
		select {
		case data := <-w.msgs:
			if err := w.writeFrame(websocket.TextMessage, data); err != nil {
				w.setErr(err)
				return
			}
		default:
			msg := websocket.FormatCloseMessage(w.closeCode, w.closeText)
			deadline := time.Now().Add(w.writeTimeout)
			_ = w.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

func (w *outboundWriter) writeFrame(messageType int, data []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteMessage(messageType, data)
}

// flushAndClose delivers everything queued, sends a close frame, and waits
// for the loop to exit. Idempotent.
func (w *outboundWriter) flushAndClose(code int, text string) {
	w.closeOnce.Do(func() {
		w.closeCode = code
		w.closeText = text
		close(w.shutdown)
	})
	<-w.done
}

func (w *outboundWriter) setErr(err error) {
	w.errMu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.errMu.Unlock()
}

// closed is signalled when the write loop has exited, either from a failed
// write (dead client socket) or after flushAndClose.
func (w *outboundWriter) closed() <-chan struct{} {
	return w.done
}
