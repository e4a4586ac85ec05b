package commchan

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/commobj/pkg/commobj"
	"github.com/sammck-go/commobj/pkg/logger"
)

// WebSocketChannel is a Channel carried in binary WebSocket messages. Reads
// see the concatenated message payloads as a single stream.
type WebSocketChannel struct {
	BasicEndpoint
	url    string
	header http.Header
	dialer websocket.Dialer
	ws     resourceSlot[*websocket.Conn]

	readLock  sync.Mutex
	reader    io.Reader
	writeLock sync.Mutex
}

var _ Channel = (*WebSocketChannel)(nil)

// NewWebSocketChannel creates a channel that dials the ws:// or wss:// url
// when opened. header, if not nil, is sent with the handshake.
func NewWebSocketChannel(lg logger.Logger, url string, header http.Header) *WebSocketChannel {
	c := &WebSocketChannel{
		url:    url,
		header: header,
		dialer: websocket.Dialer{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Proxy:           http.ProxyFromEnvironment,
		},
	}
	c.InitBasicEndpoint(lg, c, "WebSocketChannel(%s)", url)
	return c
}

// NewAcceptedWebSocketChannel wraps an upgraded server-side connection in
// an opened WebSocketChannel
func NewAcceptedWebSocketChannel(lg logger.Logger, wsConn *websocket.Conn) (*WebSocketChannel, error) {
	c := &WebSocketChannel{}
	c.ws.set(wsConn)
	c.InitBasicEndpoint(lg, c, "WebSocketChannel(%s)", wsConn.RemoteAddr())
	if err := c.Open(c.DefaultOpenTimeout()); err != nil {
		wsConn.Close()
		return nil, err
	}
	return c, nil
}

// OnOpen performs the WebSocket handshake
func (c *WebSocketChannel) OnOpen(ctx context.Context, timeout time.Duration) error {
	if _, ok := c.ws.get(); ok {
		return nil
	}
	d := c.dialer
	d.HandshakeTimeout = timeout
	wsConn, resp, err := d.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return c.Errorf("Handshake failed (HTTP %s): %w", resp.Status, err)
		}
		return c.Errorf("Handshake failed: %w", err)
	}
	if !c.ws.set(wsConn) {
		wsConn.Close()
		return c.Errorf("Aborted during handshake")
	}
	c.DLogf("Connected")
	return nil
}

// OnClose sends a close frame, then closes the connection
func (c *WebSocketChannel) OnClose(ctx context.Context, timeout time.Duration) error {
	wsConn, ok := c.ws.take()
	if !ok {
		return nil
	}
	deadline, _ := ctx.Deadline()
	c.writeLock.Lock()
	err := wsConn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	c.writeLock.Unlock()
	if err != nil {
		c.DLogf("Unable to send close frame: %s", err)
	}
	if cerr := wsConn.Close(); cerr != nil {
		return c.Errorf("Close failed: %w", cerr)
	}
	c.DLogf("Closed (%s)", c.StatsString())
	return nil
}

// OnAbort drops the connection without a close frame
func (c *WebSocketChannel) OnAbort() {
	if wsConn, ok := c.ws.take(); ok {
		wsConn.Close()
	}
}

// Read implements io.Reader over the payloads of incoming messages. A normal
// close frame from the peer reads as io.EOF.
func (c *WebSocketChannel) Read(p []byte) (int, error) {
	wsConn, err := c.openConn("Read")
	if err != nil {
		return 0, err
	}
	c.readLock.Lock()
	defer c.readLock.Unlock()
	for {
		if c.reader == nil {
			_, r, err := wsConn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, c.faultOnIOError("Read", err)
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		c.countRead(n)
		if err == io.EOF {
			c.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, c.faultOnIOError("Read", err)
	}
}

// Write sends p as one binary message
func (c *WebSocketChannel) Write(p []byte) (int, error) {
	wsConn, err := c.openConn("Write")
	if err != nil {
		return 0, err
	}
	c.writeLock.Lock()
	err = wsConn.WriteMessage(websocket.BinaryMessage, p)
	c.writeLock.Unlock()
	if err != nil {
		return 0, c.faultOnIOError("Write", err)
	}
	c.countWritten(len(p))
	return len(p), nil
}

// CloseWrite sends a normal close frame. The peer reads end-of-stream, but
// may no longer write back once it answers the close.
func (c *WebSocketChannel) CloseWrite() error {
	wsConn, err := c.openConn("CloseWrite")
	if err != nil {
		return err
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return wsConn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}

// RemoteAddr returns the peer address of an opened channel, or nil
func (c *WebSocketChannel) RemoteAddr() net.Addr {
	if wsConn, ok := c.ws.get(); ok {
		return wsConn.RemoteAddr()
	}
	return nil
}

func (c *WebSocketChannel) openConn(op string) (*websocket.Conn, error) {
	if err := c.EnsureOpened(op); err != nil {
		return nil, err
	}
	wsConn, ok := c.ws.get()
	if !ok {
		return nil, &commobj.InvalidStateError{Object: c.String(), Op: op, State: c.State()}
	}
	return wsConn, nil
}
