// Package gateway turns inbound websocket messages into calls on the
// synchronization service. It is the only place errors become client
// events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/livesync/internal/fileid"
	"github.com/fruitsalade/fruitsalade/livesync/internal/logging"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metrics"
	"github.com/fruitsalade/fruitsalade/livesync/internal/patch"
	"github.com/fruitsalade/fruitsalade/livesync/internal/persist"
	"github.com/fruitsalade/fruitsalade/livesync/internal/protocol"
)

// ErrValidation marks a malformed request. Nothing is changed.
var ErrValidation = errors.New("invalid request")

// Service is the synchronization engine the gateway drives.
// *collab.Service satisfies it.
type Service interface {
	Join(ctx context.Context, sessionID string, id fileid.ID) error
	Leave(ctx context.Context, sessionID string, id fileid.ID)
	Edit(ctx context.Context, sessionID string, id fileid.ID, code, language string)
	Patch(ctx context.Context, sessionID string, id fileid.ID, patches []patch.Patch, language string) error
	Save(ctx context.Context, sessionID string, id fileid.ID) (persist.Outcome, error)
	Cursor(sessionID string, id fileid.ID, position json.RawMessage)
	Disconnect(ctx context.Context, sessionID string)
}

// Sender delivers a message to one session. *rooms.Manager satisfies it.
type Sender interface {
	Send(sessionID string, msg protocol.Message) error
}

type handlerFunc func(ctx context.Context, sessionID string, msg protocol.Message) error

// Gateway dispatches inbound messages by type.
type Gateway struct {
	svc      Service
	out      Sender
	handlers map[string]handlerFunc
}

// New creates a Gateway.
func New(svc Service, out Sender) *Gateway {
	g := &Gateway{svc: svc, out: out}
	g.handlers = map[string]handlerFunc{
		protocol.TypeJoinRoom:     g.handleJoin,
		protocol.TypeLeaveRoom:    g.handleLeave,
		protocol.TypeCodeChange:   g.handleCodeChange,
		protocol.TypeCodePatch:    g.handleCodePatch,
		protocol.TypeSaveFile:     g.handleSave,
		protocol.TypeCursorUpdate: g.handleCursor,
	}
	return g
}

// fileError attaches the file a failed request was about.
type fileError struct {
	id  fileid.ID
	err error
}

func (e *fileError) Error() string { return e.err.Error() }
func (e *fileError) Unwrap() error { return e.err }

// repliedError is returned by handlers that already told the client.
type repliedError struct{ err error }

func (e *repliedError) Error() string { return e.err.Error() }
func (e *repliedError) Unwrap() error { return e.err }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Dispatch handles one inbound message. Failures, including panics in a
// handler, are reported to the sender as error events and never returned.
func (g *Gateway) Dispatch(ctx context.Context, sessionID string, msg protocol.Message) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			logging.Error("panic handling message",
				logging.Session(sessionID),
				zap.String("type", msg.Type),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = errors.New("internal error")
			g.reply(sessionID, protocol.MustNew(protocol.TypeError, protocol.Error{Message: err.Error()}))
		}
		metrics.RecordMessage(msg.Type, err == nil)
		logging.Debug("handled message",
			logging.Session(sessionID),
			zap.String("type", msg.Type),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	}()

	h, ok := g.handlers[msg.Type]
	if !ok {
		err = invalid("unknown message type %q", msg.Type)
		g.reportError(sessionID, err)
		return
	}

	err = h(ctx, sessionID, msg)
	if err != nil {
		g.reportError(sessionID, err)
	}
}

// Disconnect runs the implicit leave-all for a closed session.
func (g *Gateway) Disconnect(ctx context.Context, sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("panic during disconnect", logging.Session(sessionID), zap.Any("panic", r))
		}
	}()
	g.svc.Disconnect(ctx, sessionID)
}

func (g *Gateway) reportError(sessionID string, err error) {
	var replied *repliedError
	if errors.As(err, &replied) {
		return
	}

	payload := protocol.Error{Message: err.Error()}
	var fe *fileError
	if errors.As(err, &fe) {
		payload.FilePath = fe.id.String()
	}
	if !errors.Is(err, ErrValidation) {
		logging.Warn("request failed", logging.Session(sessionID), zap.Error(err))
	}
	g.reply(sessionID, protocol.MustNew(protocol.TypeError, payload))
}

func (g *Gateway) reply(sessionID string, msg protocol.Message) {
	if err := g.out.Send(sessionID, msg); err != nil {
		logging.Warn("reply dropped", logging.Session(sessionID), zap.String("type", msg.Type), zap.Error(err))
	}
}

func decode(msg protocol.Message, v any) error {
	if err := msg.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

func parseFile(raw, field string) (fileid.ID, error) {
	if raw == "" {
		return "", invalid("%s is required", field)
	}
	id, err := fileid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return id, nil
}

func (g *Gateway) handleJoin(ctx context.Context, sessionID string, msg protocol.Message) error {
	var p protocol.JoinRoom
	if err := decode(msg, &p); err != nil {
		return err
	}
	id, err := parseFile(p.RoomID, "roomId")
	if err != nil {
		return err
	}
	if err := g.svc.Join(ctx, sessionID, id); err != nil {
		return &fileError{id: id, err: err}
	}
	return nil
}

func (g *Gateway) handleLeave(ctx context.Context, sessionID string, msg protocol.Message) error {
	var p protocol.LeaveRoom
	if err := decode(msg, &p); err != nil {
		return err
	}
	id, err := parseFile(p.RoomID, "roomId")
	if err != nil {
		return err
	}
	g.svc.Leave(ctx, sessionID, id)
	return nil
}

func (g *Gateway) handleCodeChange(ctx context.Context, sessionID string, msg protocol.Message) error {
	var p protocol.CodeChange
	if err := decode(msg, &p); err != nil {
		return err
	}
	id, err := parseFile(p.RoomID, "roomId")
	if err != nil {
		return err
	}
	if p.Code == nil {
		return &fileError{id: id, err: invalid("code is required")}
	}
	g.svc.Edit(ctx, sessionID, id, *p.Code, p.Language)
	return nil
}

func (g *Gateway) handleCodePatch(ctx context.Context, sessionID string, msg protocol.Message) error {
	var p protocol.CodePatch
	if err := decode(msg, &p); err != nil {
		return err
	}
	id, err := parseFile(p.RoomID, "roomId")
	if err != nil {
		return err
	}
	if p.Patches == nil {
		return &fileError{id: id, err: invalid("patches are required")}
	}
	if err := g.svc.Patch(ctx, sessionID, id, p.Patches, p.Language); err != nil {
		return &fileError{id: id, err: err}
	}
	return nil
}

// handleSave always answers with file-saved, including for busy files.
func (g *Gateway) handleSave(ctx context.Context, sessionID string, msg protocol.Message) error {
	var p protocol.SaveFile
	if err := decode(msg, &p); err != nil {
		return err
	}
	id, err := parseFile(p.Path, "path")
	if err != nil {
		return err
	}

	out, err := g.svc.Save(ctx, sessionID, id)
	reply := protocol.FileSaved{
		Path:      id.String(),
		Success:   err == nil || out.Partial(),
		Timestamp: out.Timestamp,
	}
	if err != nil {
		reply.Error = err.Error()
	}
	g.reply(sessionID, protocol.MustNew(protocol.TypeFileSaved, reply))

	if err != nil {
		return &repliedError{err: err}
	}
	return nil
}

func (g *Gateway) handleCursor(_ context.Context, sessionID string, msg protocol.Message) error {
	var p protocol.CursorUpdate
	if err := decode(msg, &p); err != nil {
		return err
	}
	id, err := parseFile(p.RoomID, "roomId")
	if err != nil {
		return err
	}
	if len(p.Position) == 0 {
		return &fileError{id: id, err: invalid("position is required")}
	}
	g.svc.Cursor(sessionID, id, p.Position)
	return nil
}
