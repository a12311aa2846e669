// Package spectator connects to a running match's binary state stream
// with a one-time token and extracts the current player records without
// participating in the match.
package spectator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gbrelay-project/gbrelay/internal/protocol"
	"github.com/gbrelay-project/gbrelay/internal/util"
)

// ConnectError reports a transport that never reached a connected,
// authenticated state within the initial service window.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("spectator connect to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ErrNoSnapshot means the match produced no qualifying snapshot within
// the watch timeout. The match is treated as unobservable this cycle.
var ErrNoSnapshot = errors.New("no snapshot received before timeout")

// Dialer abstracts the transport so tests can supply a pipe.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Watcher spectates matches over a connection-oriented packet transport.
type Watcher struct {
	dialer         Dialer
	connectTimeout time.Duration
}

// NewWatcher builds a watcher. connectTimeout bounds the transport dial
// and auth write; a nil dialer means the default network dialer.
func NewWatcher(dialer Dialer, connectTimeout time.Duration) *Watcher {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: connectTimeout}
	}
	return &Watcher{dialer: dialer, connectTimeout: connectTimeout}
}

// Watch connects to the match endpoint, authenticates with the spectator
// token, and returns the player records from the first qualifying
// snapshot. It disconnects as soon as the snapshot is decoded; watchTimeout
// bounds the whole wait.
func (w *Watcher) Watch(ctx context.Context, address string, port int, token string, watchTimeout time.Duration) ([]protocol.PlayerRecord, error) {
	logger := util.ComponentLogger("spectator")
	addr := net.JoinHostPort(address, fmt.Sprintf("%d", port))

	dialCtx, cancel := context.WithTimeout(ctx, w.connectTimeout)
	defer cancel()
	conn, err := w.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	defer conn.Close()

	auth, err := protocol.BuildSpectateAuth([]byte(token))
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	conn.SetWriteDeadline(time.Now().Add(w.connectTimeout))
	if err := protocol.WriteFrame(conn, auth); err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	deadline := time.Now().Add(watchTimeout)
	conn.SetReadDeadline(deadline)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		packet, err := protocol.ReadFrame(conn)
		if err != nil {
			if isTimeout(err) || time.Now().After(deadline) {
				return nil, ErrNoSnapshot
			}
			return nil, fmt.Errorf("spectator read from %s failed: %w", addr, err)
		}

		if !protocol.IsSnapshot(packet) {
			continue
		}

		records := protocol.DecodePlayerRecords(packet)
		logger.Debug().Str("addr", addr).Int("players", len(records)).Msg("Decoded match snapshot")
		return records, nil
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
