package netstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/btcomms/internal/transport"
	"github.com/1ureka/btcomms/internal/util"
)

// WSPath is the HTTP path the WebSocket listener serves.
const WSPath = "/comms"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsStream adapts a WebSocket connection to a byte stream. Every Write is
// one binary message; Read concatenates binary messages and skips others.
type wsStream struct {
	conn *websocket.Conn
	r    io.Reader

	closeOnce sync.Once
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r != nil {
			n, err := s.r.Read(p)
			if errors.Is(err, io.EOF) {
				s.r = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}

		mt, r, err := s.conn.NextReader()
		if err != nil {
			return 0, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		s.r = r
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// WSDialer dials ws://<Device.Address>/comms.
type WSDialer struct{}

func (WSDialer) Dial(ctx context.Context, dev transport.Device) (io.ReadWriteCloser, error) {
	url := "ws://" + dev.Address + WSPath
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return newWSStream(conn), nil
}

// WSListener serves WebSocket upgrades and queues them for Accept.
type WSListener struct {
	ln    net.Listener
	srv   *http.Server
	queue *acceptQueue
}

// ListenWS starts an HTTP server on addr serving WSPath.
func ListenWS(addr string) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}

	l := &WSListener{ln: ln, queue: newAcceptQueue()}

	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, l.handleWS)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		_ = l.srv.Serve(ln)
	}()

	return l, nil
}

func (l *WSListener) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if !l.queue.push(newWSStream(conn), transport.Device{Address: r.RemoteAddr, Name: r.RemoteAddr}) {
		util.LogWarning("rejecting %s: no free slot", r.RemoteAddr)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session full"))
		conn.Close()
	}
}

// Addr returns the bound address.
func (l *WSListener) Addr() net.Addr { return l.ln.Addr() }

func (l *WSListener) Accept(ctx context.Context) (io.ReadWriteCloser, transport.Device, error) {
	return l.queue.accept(ctx)
}

func (l *WSListener) Close() error {
	l.queue.close()
	return l.srv.Close()
}
