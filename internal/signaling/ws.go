package signaling

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/btcomms/internal/protocol"
	"github.com/1ureka/btcomms/internal/util"
)

const (
	signalPath       = "/ws"
	handshakeTimeout = 10 * time.Second
)

// ErrWrongPIN is returned to a client whose PIN the host refused.
var ErrWrongPIN = errors.New("signaling: wrong PIN")

var upgrader = websocket.Upgrader{
	HandshakeTimeout: handshakeTimeout,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// gate is the host-side WebSocket endpoint. Every client that presents the
// PIN is queued for a signaling exchange; the queue holds one entry per
// client slot and further clients are turned away.
type gate struct {
	pin    []byte
	srv    *http.Server
	port   int
	connCh chan *websocket.Conn
}

func newGate(pin string) *gate {
	return &gate{
		pin:    []byte(pin),
		connCh: make(chan *websocket.Conn, protocol.MaxPlayers-1),
	}
}

// open starts serving on addr (":0" for a random port).
func (g *gate) open(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start WS server: %w", err)
	}
	g.port = ln.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc(signalPath, g.handle)
	g.srv = &http.Server{Handler: mux, ReadHeaderTimeout: handshakeTimeout}

	go func() {
		if err := g.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogWarning("signaling server stopped: %v", err)
		}
	}()
	return nil
}

func (g *gate) handle(w http.ResponseWriter, r *http.Request) {
	if subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("pin")), g.pin) != 1 {
		util.LogWarning("signaling: wrong PIN from %s", r.RemoteAddr)
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	select {
	case g.connCh <- conn:
	default:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session full"))
		conn.Close()
	}
}

// close stops the server and drops connections that were never picked up.
func (g *gate) close() {
	if g.srv != nil {
		g.srv.Close()
	}
	for {
		select {
		case conn := <-g.connCh:
			conn.Close()
		default:
			return
		}
	}
}

// connect dials the host's signaling URL. A refused PIN is reported as
// ErrWrongPIN.
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrWrongPIN
		}
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}

// GeneratePIN returns a random numeric PIN of the given length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
