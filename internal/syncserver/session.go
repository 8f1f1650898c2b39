package syncserver

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/coder/websocket"

	"github.com/Mschirtzinger/quill/internal/hub"
	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
	"github.com/Mschirtzinger/quill/internal/wire"
)

// session handles one websocket connection. Inbound frames are processed
// sequentially on the read loop; every outbound frame, replies included,
// goes through the hub member queue so the connection has a single writer.
type session struct {
	id     string
	conn   *websocket.Conn
	srv    *Server
	member *hub.Member
	logger *log.Logger
}

func newSession(srv *Server, id string, conn *websocket.Conn) *session {
	sess := &session{id: id, conn: conn, srv: srv, logger: srv.logger}
	sess.member = srv.hub.Join(id, hub.SenderFunc(func(ctx context.Context, frame []byte) error {
		return conn.Write(ctx, websocket.MessageText, frame)
	}))
	return sess
}

func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.srv.hub.Leave(s.member)

	// A failed member can no longer be written to; drop the connection so
	// the peer reconnects and resyncs.
	go func() {
		select {
		case <-s.member.Failed():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				s.logger.Printf("Session %s read error: %v", s.id, err)
			}
			break
		}
		s.handle(ctx, data)
	}

	if parent.Err() != nil {
		_ = s.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *session) handle(ctx context.Context, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		s.sendError(wire.Error{Code: wire.CodeProtocol, Message: err.Error()})
		return
	}

	switch msg.Type {
	case wire.TypeHello:
		s.handleHello(msg)
	case wire.TypeSyncRequest:
		s.handleSyncRequest(ctx, msg)
	case wire.TypeUpsertEntity:
		s.handleUpsert(ctx, msg)
	case wire.TypePatchEntity:
		s.handlePatch(ctx, msg)
	default:
		s.sendError(wire.Error{Code: wire.CodeProtocol, Message: "unsupported frame type " + string(msg.Type)})
	}
}

func (s *session) handleHello(msg wire.Message) {
	var hello wire.Hello
	if err := msg.Payload(&hello); err != nil {
		s.sendError(wire.Error{Code: wire.CodeProtocol, Message: err.Error()})
		return
	}
	if err := wire.Compatible(hello.Protocol); err != nil {
		s.sendError(wire.Error{Code: wire.CodeProtocol, Message: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	cursor, err := s.srv.store.Cursor(ctx)
	cancel()
	if err != nil {
		s.logger.Printf("Session %s: failed to read cursor: %v", s.id, err)
	}
	if hello.ClientID != "" {
		s.logger.Printf("Session %s: hello from client %s (%s)", s.id, hello.ClientID, hello.Protocol)
	}
	s.send(wire.TypeWelcome, wire.Welcome{Protocol: wire.ProtocolVersion, ConnID: s.id, Cursor: cursor})
}

func (s *session) handleSyncRequest(ctx context.Context, msg wire.Message) {
	var req wire.SyncRequest
	if len(msg.Data) > 0 {
		if err := msg.Payload(&req); err != nil {
			s.sendError(wire.Error{Code: wire.CodeProtocol, Message: err.Error()})
			return
		}
	}
	since := req.Since
	if since != "" && !since.Valid() {
		s.sendError(wire.Error{Code: wire.CodeValidation, Message: "since is not an RFC 3339 timestamp"})
		return
	}
	snap, err := s.srv.store.Snapshot(ctx, since)
	if err != nil {
		s.logger.Printf("Session %s: snapshot failed: %v", s.id, err)
		s.sendError(wire.Error{Code: wire.CodeInternal, Message: "snapshot failed"})
		return
	}
	s.send(wire.TypeSyncResponse, snap)
}

func (s *session) handleUpsert(ctx context.Context, msg wire.Message) {
	var up wire.UpsertEntity
	if err := msg.Payload(&up); err != nil {
		s.sendError(wire.Error{Code: wire.CodeProtocol, Message: err.Error()})
		return
	}
	rec, err := up.Decode()
	if err != nil {
		s.writeFailed(err, up.Kind, "")
		return
	}
	if _, err := s.srv.store.Upsert(store.WithOrigin(ctx, s.id), rec); err != nil {
		s.writeFailed(err, up.Kind, rec.Key())
	}
}

func (s *session) handlePatch(ctx context.Context, msg wire.Message) {
	var p wire.PatchEntity
	if err := msg.Payload(&p); err != nil {
		s.sendError(wire.Error{Code: wire.CodeProtocol, Message: err.Error()})
		return
	}
	if _, err := schema.New(p.Kind); err != nil {
		s.writeFailed(err, p.Kind, p.ID)
		return
	}
	if _, err := s.srv.store.Patch(store.WithOrigin(ctx, s.id), p.Kind, p.ID, p.Fields, p.UpdatedAt); err != nil {
		s.writeFailed(err, p.Kind, p.ID)
	}
}

// writeFailed answers a rejected write. Stale writes never get here: the
// store reports them as applied=false with a nil error.
func (s *session) writeFailed(err error, kind schema.Kind, id string) {
	var ve *schema.ValidationError
	switch {
	case errors.As(err, &ve):
		s.sendError(wire.Error{Code: wire.CodeValidation, Message: ve.Error(), Kind: kind, ID: id})
	case errors.Is(err, store.ErrNotFound):
		s.sendError(wire.Error{Code: wire.CodeNotFound, Message: err.Error(), Kind: kind, ID: id})
	case errors.Is(err, context.Canceled), errors.Is(err, store.ErrClosed):
	default:
		s.logger.Printf("Session %s: write %s %s failed: %v", s.id, kind, id, err)
		s.sendError(wire.Error{Code: wire.CodeInternal, Message: "write failed", Kind: kind, ID: id})
	}
}

func (s *session) sendError(e wire.Error) {
	s.send(wire.TypeError, e)
}

func (s *session) send(t wire.MessageType, payload any) {
	frame, err := wire.Encode(t, payload)
	if err != nil {
		s.logger.Printf("Session %s: %v", s.id, err)
		return
	}
	s.member.Enqueue(frame)
}
