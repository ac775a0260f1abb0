package ws

import (
	"context"
	"fmt"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/domain"
	"github.com/whisper/matchroom/internal/matching"
	"github.com/whisper/matchroom/internal/protocol"
)

// Matcher is the matching service as seen by the transport.
type Matcher interface {
	StartMatching(ctx context.Context, userID string) (*matching.Outcome, error)
	StopMatching(ctx context.Context, userID string) error
}

// Chat is the chat runtime as seen by the transport.
type Chat interface {
	JoinRoom(ctx context.Context, userID, roomID string) error
	LeaveRoom(ctx context.Context, userID, roomID string) error
	SendMessage(ctx context.Context, userID string, msg protocol.SendMessageMsg) (*domain.Message, error)
	EditMessage(ctx context.Context, userID string, msg protocol.EditMessageMsg) (*domain.Message, error)
	ToggleReaction(ctx context.Context, userID string, msg protocol.ReactMsg) (*domain.Message, error)
	Typing(ctx context.Context, userID string, msg protocol.TypingMsg) error
	EndConversation(ctx context.Context, userID, roomID string) (*domain.Room, error)
}

// RegisterHandlers wires every client action to the matching service and
// the chat runtime.
func RegisterHandlers(d *MessageDispatcher, m Matcher, c Chat) {
	d.Register(protocol.TypeStartMatching, func(ctx context.Context, conn *Connection, _ any) error {
		d.send(conn, protocol.TypeMatchingStarted, protocol.MatchingStartedMsg{})
		out, err := m.StartMatching(ctx, conn.UserID)
		if err != nil {
			return err
		}
		if out.Match == nil {
			d.send(conn, protocol.TypeNoMatch, protocol.NoMatchMsg{
				Mode: string(out.Selection.Mode),
				Note: out.Selection.Note,
			})
		}
		// match_found reaches both users through presence.
		return nil
	})

	d.Register(protocol.TypeStopMatching, func(ctx context.Context, conn *Connection, _ any) error {
		if err := m.StopMatching(ctx, conn.UserID); err != nil {
			return err
		}
		d.send(conn, protocol.TypeMatchingStopped, protocol.MatchingStoppedMsg{})
		return nil
	})

	d.Register(protocol.TypeJoinRoom, func(ctx context.Context, conn *Connection, msg any) error {
		join, err := as[protocol.JoinRoomMsg](msg)
		if err != nil {
			return err
		}
		return c.JoinRoom(ctx, conn.UserID, join.RoomID)
	})

	d.Register(protocol.TypeLeaveRoom, func(ctx context.Context, conn *Connection, msg any) error {
		leave, err := as[protocol.LeaveRoomMsg](msg)
		if err != nil {
			return err
		}
		return c.LeaveRoom(ctx, conn.UserID, leave.RoomID)
	})

	d.Register(protocol.TypeSendMessage, func(ctx context.Context, conn *Connection, msg any) error {
		send, err := as[protocol.SendMessageMsg](msg)
		if err != nil {
			return err
		}
		_, err = c.SendMessage(ctx, conn.UserID, send)
		return err
	})

	d.Register(protocol.TypeEditMessage, func(ctx context.Context, conn *Connection, msg any) error {
		edit, err := as[protocol.EditMessageMsg](msg)
		if err != nil {
			return err
		}
		_, err = c.EditMessage(ctx, conn.UserID, edit)
		return err
	})

	d.Register(protocol.TypeReact, func(ctx context.Context, conn *Connection, msg any) error {
		react, err := as[protocol.ReactMsg](msg)
		if err != nil {
			return err
		}
		_, err = c.ToggleReaction(ctx, conn.UserID, react)
		return err
	})

	d.Register(protocol.TypeTyping, func(ctx context.Context, conn *Connection, msg any) error {
		typing, err := as[protocol.TypingMsg](msg)
		if err != nil {
			return err
		}
		return c.Typing(ctx, conn.UserID, typing)
	})

	d.Register(protocol.TypeEndChat, func(ctx context.Context, conn *Connection, msg any) error {
		end, err := as[protocol.EndChatMsg](msg)
		if err != nil {
			return err
		}
		_, err = c.EndConversation(ctx, conn.UserID, end.RoomID)
		return err
	})
}

func as[T any](msg any) (T, error) {
	v, ok := msg.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("ws: unexpected payload %T: %w", msg, apperr.ErrValidation)
	}
	return v, nil
}
