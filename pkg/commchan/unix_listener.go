package commchan

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/commobj/pkg/commobj"
	"github.com/sammck-go/commobj/pkg/logger"
	"golang.org/x/sys/unix"
)

// UnixListener listens on a unix domain socket while holding a flock-style
// lock on a parallel ".lock" file. The lock prevents two listeners from
// colliding on the same path but still allows an orphaned socket file to be
// deleted. Other players must follow the same rules.
//
// While opened, the socket file is watched; if someone removes or renames
// it, the listener faults, since no new client can reach it.
type UnixListener struct {
	BasicEndpoint
	path     string
	listener resourceSlot[net.Listener]
}

var _ Listener = (*UnixListener)(nil)

// NewUnixListener creates a listener for the unix domain socket at path
func NewUnixListener(lg logger.Logger, path string) *UnixListener {
	l := &UnixListener{
		path: path,
	}
	l.InitBasicEndpoint(lg, l, "UnixListener(\"%s\")", path)
	return l
}

// OnOpen locks the lockfile, removes any orphaned socket file, then binds the
// socket and starts watching it
func (l *UnixListener) OnOpen(ctx context.Context, timeout time.Duration) error {
	sock, err := l.lockAndListen()
	if err != nil {
		return err
	}
	if !l.listener.set(sock) {
		sock.Close()
		return l.Errorf("Aborted while binding")
	}
	go l.watch(sock.watcher)
	return nil
}

// OnClose unbinds the socket and releases the lock
func (l *UnixListener) OnClose(ctx context.Context, timeout time.Duration) error {
	if sock, ok := l.listener.take(); ok {
		return sock.Close()
	}
	return nil
}

// OnAbort unbinds the socket and releases the lock if they are held
func (l *UnixListener) OnAbort() {
	if sock, ok := l.listener.take(); ok {
		sock.Close()
	}
}

// Accept waits for the next connection and returns it as an opened
// SocketChannel
func (l *UnixListener) Accept() (Channel, error) {
	return acceptChannel(&l.BasicEndpoint, &l.listener)
}

// Addr returns the bound address, or nil if the listener is not open
func (l *UnixListener) Addr() net.Addr {
	if sock, ok := l.listener.get(); ok {
		return sock.Addr()
	}
	return nil
}

// Path returns the absolute socket path once opened, otherwise the path
// given at creation
func (l *UnixListener) Path() string {
	if sock, ok := l.listener.get(); ok {
		return sock.(*lockedUnixSocket).path
	}
	return l.path
}

func (l *UnixListener) watch(w *fsnotify.Watcher) {
	sockPath, err := filepath.Abs(l.path)
	if err != nil {
		return
	}
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Name == sockPath && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				if l.State() != commobj.StateOpened {
					return
				}
				l.Faultf("Socket file \"%s\" was removed (%s)", sockPath, ev.Op)
				return
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.WLogf("Watch of socket file failed: %s", err)
		}
	}
}

// lockedUnixSocket is a bound unix socket together with its lockfile and
// watcher. Close releases all three.
type lockedUnixSocket struct {
	net.Listener
	logger   logger.Logger
	path     string
	lockPath string
	lockFd   *os.File
	watcher  *fsnotify.Watcher
}

func (l *UnixListener) lockAndListen() (*lockedUnixSocket, error) {
	if l.path == "" {
		return nil, l.Errorf("Empty unix domain socket path")
	}
	abspath, err := filepath.Abs(l.path)
	if err != nil {
		return nil, l.Errorf("Invalid unix domain socket pathname \"%s\": %s", l.path, err)
	}
	s := &lockedUnixSocket{
		logger:   l.Logger,
		path:     abspath,
		lockPath: abspath + ".lock",
	}

	info, err := os.Stat(abspath)
	if err != nil && !os.IsNotExist(err) {
		return nil, l.Errorf("Could not stat unix domain socket pathname \"%s\": %s", abspath, err)
	}
	if info != nil && (info.Mode()&os.ModeSocket) == 0 {
		return nil, l.Errorf("Path \"%s\" exists and is not a unix domain socket", abspath)
	}

	lockFd, err := os.OpenFile(s.lockPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, l.Errorf("Unable to open unix domain socket lockfile \"%s\": %s", s.lockPath, err)
	}
	if err := unix.Flock(int(lockFd.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFd.Close()
		return nil, l.Errorf("Unix domain socket in use (lockfile \"%s\" is locked): %s", s.lockPath, err)
	}
	s.lockFd = lockFd

	if info != nil {
		if err := os.Remove(abspath); err != nil {
			s.Close()
			return nil, l.Errorf("Unable to remove orphaned unix domain socket \"%s\": %s", abspath, err)
		}
		l.DLogf("Removed orphaned socket file")
	}

	s.Listener, err = net.Listen("unix", abspath)
	if err != nil {
		s.Close()
		return nil, l.Errorf("Unix domain socket listen failed: %s", err)
	}

	s.watcher, err = fsnotify.NewWatcher()
	if err == nil {
		err = s.watcher.Add(filepath.Dir(abspath))
	}
	if err != nil {
		s.Close()
		return nil, l.Errorf("Unable to watch socket directory: %s", err)
	}

	l.DLogf("Listening on unix domain socket path \"%s\"", abspath)
	return s, nil
}

// Close stops the watcher first, so that removing the socket file is not
// reported as an outside removal, then closes the socket and removes the
// lockfile before unlocking it
func (s *lockedUnixSocket) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	var closeErr, unlockErr error
	if s.Listener != nil {
		closeErr = s.Listener.Close()
		os.Remove(s.path)
	}
	if s.lockFd != nil {
		os.Remove(s.lockPath)
		if err := unix.Flock(int(s.lockFd.Fd()), unix.LOCK_UN); err != nil {
			unlockErr = s.logger.DLogErrorf("Unlock of lockfile \"%s\" failed: %s", s.lockPath, err)
		}
		if err := s.lockFd.Close(); err != nil && unlockErr == nil {
			unlockErr = s.logger.DLogErrorf("Close of lockfile \"%s\" failed: %s", s.lockPath, err)
		}
	}
	if closeErr != nil {
		return closeErr
	}
	return unlockErr
}
