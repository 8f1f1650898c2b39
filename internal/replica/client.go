package replica

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/Mschirtzinger/quill/internal/wire"
)

// errDisconnected ends a session so the reconnect loop retries.
var errDisconnected = errors.New("disconnected from sync server")

func (r *Replica) wsURL() string {
	u := strings.TrimRight(r.cfg.ServerURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// connect dials the server and completes the HELLO/WELCOME handshake.
func (r *Replica) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, r.wsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", r.wsURL(), err)
	}
	conn.SetReadLimit(16 << 20)

	hello, err := wire.Encode(wire.TypeHello, wire.Hello{Protocol: wire.ProtocolVersion, ClientID: r.cfg.ClientID})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	if err := conn.Write(dialCtx, websocket.MessageText, hello); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	msg, err := wire.Decode(data)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "")
		return nil, err
	}
	switch msg.Type {
	case wire.TypeWelcome:
		var w wire.Welcome
		if err := msg.Payload(&w); err != nil {
			_ = conn.Close(websocket.StatusProtocolError, "")
			return nil, err
		}
		r.logger.Printf("Connected to %s as %s (protocol %s)", r.cfg.ServerURL, w.ConnID, w.Protocol)
	case wire.TypeError:
		var e wire.Error
		_ = msg.Payload(&e)
		_ = conn.Close(websocket.StatusProtocolError, "")
		return nil, backoff.Permanent(fmt.Errorf("server refused handshake: %s", e.Message))
	default:
		_ = conn.Close(websocket.StatusProtocolError, "")
		return nil, fmt.Errorf("unexpected %s frame during handshake", msg.Type)
	}
	return conn, nil
}

// Run keeps the replica connected until ctx is done: connect, pull, flush
// pending writes, then merge broadcasts. Lost connections are retried with
// exponential backoff.
func (r *Replica) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := r.session(ctx, bo)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		r.logger.Printf("Sync connection: %v (retrying in %s)", err, wait.Round(time.Millisecond))
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (r *Replica) session(ctx context.Context, bo backoff.BackOff) error {
	conn, err := r.connect(ctx)
	if err != nil {
		return err
	}
	bo.Reset()
	r.setConn(conn)
	defer r.setConn(nil)

	if err := r.catchUp(ctx, conn); err != nil {
		return err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", errDisconnected, err)
		}
		r.handleFrame(ctx, data)
	}
}

// catchUp pulls missed changes and sends queued writes after connecting.
// When the HTTP pull fails the snapshot is requested over the socket.
func (r *Replica) catchUp(ctx context.Context, conn *websocket.Conn) error {
	if n, err := r.Pull(ctx); err != nil {
		r.logger.Printf("Pull failed, requesting sync over websocket: %v", err)
		cursor, _ := r.Cursor(ctx)
		frame, err := wire.Encode(wire.TypeSyncRequest, wire.SyncRequest{Since: cursor})
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return fmt.Errorf("%w: %v", errDisconnected, err)
		}
	} else if n > 0 {
		r.logger.Printf("Pulled %d records", n)
	}
	return r.Flush(ctx)
}

// Sync performs one round trip: connect, pull, send pending writes and
// disconnect. Used by one-shot CLI commands.
func (r *Replica) Sync(ctx context.Context) error {
	conn, err := r.connect(ctx)
	if err != nil {
		return err
	}
	r.setConn(conn)
	defer r.setConn(nil)

	if _, err := r.Pull(ctx); err != nil {
		return err
	}
	r.debouncer.Cancel()
	return r.Flush(ctx)
}
