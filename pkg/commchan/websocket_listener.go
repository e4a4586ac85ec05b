package commchan

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/commobj/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketListener runs an HTTP server that upgrades requests on one path to
// WebSocket connections and hands them out as opened WebSocketChannels.
type WebSocketListener struct {
	BasicEndpoint
	address  string
	path     string
	accepted chan *WebSocketChannel
	server   resourceSlot[*httpServer]
}

var _ Listener = (*WebSocketListener)(nil)

type httpServer struct {
	*http.Server
	listener net.Listener
	served   chan struct{}
}

// NewWebSocketListener creates a listener serving WebSocket upgrades on
// path at the TCP address
func NewWebSocketListener(lg logger.Logger, address, path string) *WebSocketListener {
	if path == "" {
		path = "/"
	}
	l := &WebSocketListener{
		address:  address,
		path:     path,
		accepted: make(chan *WebSocketChannel),
	}
	l.InitBasicEndpoint(lg, l, "WebSocketListener(%s%s)", address, path)
	return l
}

// OnOpen binds the address and starts serving HTTP
func (l *WebSocketListener) OnOpen(ctx context.Context, timeout time.Duration) error {
	var lc net.ListenConfig
	nl, err := lc.Listen(ctx, "tcp", l.address)
	if err != nil {
		return l.Errorf("Listen failed: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleUpgrade)
	h := http.Handler(mux)
	if l.GetLogLevel() >= logger.LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	s := &httpServer{
		Server:   &http.Server{Handler: h},
		listener: nl,
		served:   make(chan struct{}),
	}
	if !l.server.set(s) {
		nl.Close()
		return l.Errorf("Aborted while binding")
	}
	go func() {
		defer close(s.served)
		err := s.Serve(nl)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.faultOnIOError("Serve", err)
		}
	}()
	l.DLogf("Listening on %s", nl.Addr())
	return nil
}

// OnClose stops accepting HTTP requests and waits for in-progress handshakes
// to finish. Channels already accepted are not affected.
func (l *WebSocketListener) OnClose(ctx context.Context, timeout time.Duration) error {
	s, ok := l.server.take()
	if !ok {
		return nil
	}
	if err := s.Shutdown(ctx); err != nil {
		s.Close()
		return l.Errorf("HTTP server shutdown failed: %w", err)
	}
	<-s.served
	return nil
}

// OnAbort stops the HTTP server immediately
func (l *WebSocketListener) OnAbort() {
	if s, ok := l.server.take(); ok {
		s.Close()
	}
}

// Accept waits for the next upgraded connection
func (l *WebSocketListener) Accept() (Channel, error) {
	if err := l.EnsureOpened("Accept"); err != nil {
		return nil, err
	}
	select {
	case ch := <-l.accepted:
		return ch, nil
	case <-l.StoppedChan():
		return nil, l.EnsureOpened("Accept")
	}
}

// Addr returns the bound address, or nil if the listener is not open
func (l *WebSocketListener) Addr() net.Addr {
	if s, ok := l.server.get(); ok {
		return s.listener.Addr()
	}
	return nil
}

// URL returns the ws:// url clients use to reach an opened listener
func (l *WebSocketListener) URL() string {
	addr := l.Addr()
	if addr == nil {
		return ""
	}
	return "ws://" + addr.String() + l.path
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.EnsureOpened("Upgrade") != nil {
		http.Error(w, "listener is not open", http.StatusServiceUnavailable)
		return
	}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.DLogf("Failed to upgrade (%s)", err)
		return
	}
	ch, err := NewAcceptedWebSocketChannel(l.Logger, wsConn)
	if err != nil {
		l.DLogf("Unable to open accepted channel: %s", err)
		return
	}
	select {
	case l.accepted <- ch:
	case <-l.StoppedChan():
		ch.Abort()
	case <-r.Context().Done():
		ch.Abort()
	}
}
