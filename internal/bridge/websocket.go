package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsPeer is a page connected over a websocket.
type wsPeer struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (p *wsPeer) Deliver(frame []byte) error {
	select {
	case <-p.done:
		return errPeerGone
	default:
	}
	select {
	case p.send <- frame:
		return nil
	default:
		return errPeerFull
	}
}

func (p *wsPeer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// ServeHTTP upgrades a page connection and attaches it to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	p := &wsPeer{
		conn: conn,
		send: make(chan []byte, h.outboxSize),
		done: make(chan struct{}),
	}
	go h.writePump(p)
	detach := h.Attach(p)
	defer func() {
		detach()
		p.close()
	}()

	h.readPump(p)
}

// readPump consumes acknowledgements until the connection drops.
func (h *Hub) readPump(p *wsPeer) {
	p.conn.SetReadLimit(64 << 10)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("page connection closed unexpectedly")
			}
			return
		}

		env, err := Decode(data)
		if err != nil {
			h.logger.Warn().Err(err).Msg("ignoring malformed frame from page")
			continue
		}
		if !env.IsAck() {
			h.logger.Warn().Str("type", env.Msg.Type()).Msg("pages only send acknowledgements")
			continue
		}
		h.Acknowledge(env.ID)
	}
}

func (h *Hub) writePump(p *wsPeer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Warn().Err(err).Msg("failed to write bridge frame")
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// RemoteEndpoint is a page-side connection to a hub in another process.
type RemoteEndpoint struct {
	conn    *websocket.Conn
	frames  chan []byte
	errc    chan error
	done    chan struct{}
	writeMu sync.Mutex
	once    sync.Once
}

// Dial connects a page to the hub listening at url (ws:// or wss://).
func Dial(ctx context.Context, url string, header http.Header) (*RemoteEndpoint, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", url, err)
	}

	e := &RemoteEndpoint{
		conn:   conn,
		frames: make(chan []byte, 64),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go e.readLoop()
	return e, nil
}

func (e *RemoteEndpoint) readLoop() {
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			e.errc <- err
			return
		}
		select {
		case e.frames <- data:
		case <-e.done:
			return
		}
	}
}

func (e *RemoteEndpoint) Receive(ctx context.Context) (Envelope, error) {
	select {
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-e.done:
		return Envelope{}, ErrClosed
	case frame := <-e.frames:
		return Decode(frame)
	case err := <-e.errc:
		// Keep the error visible to later calls.
		e.errc <- err
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return Envelope{}, errors.Join(ErrClosed, err)
		}
		return Envelope{}, err
	}
}

func (e *RemoteEndpoint) Ack(ctx context.Context, id string) error {
	frame, err := EncodeAck(id)
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = e.conn.SetWriteDeadline(deadline)
	return e.conn.WriteMessage(websocket.TextMessage, frame)
}

func (e *RemoteEndpoint) Close() error {
	var err error
	e.once.Do(func() {
		close(e.done)
		e.writeMu.Lock()
		_ = e.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		e.writeMu.Unlock()
		err = e.conn.Close()
	})
	return err
}
