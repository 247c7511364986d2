package server

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"huddle/internal/featureflags"
	"huddle/internal/middleware"
	"huddle/internal/models"
	"huddle/internal/notifications"
	"huddle/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsFrame struct {
	Type           models.EventType `json:"type"`
	ConversationID uint             `json:"conversation_id"`
	Payload        json.RawMessage  `json:"payload"`
}

type wsSession struct {
	client *notifications.Client
	ctx    context.Context
}

// connect registers a connection-less session and subscribes it the way a real
// upgrade would, discarding the greeting frames.
func (e *testEnv) connect(t *testing.T, userID uint) *wsSession {
	t.Helper()
	client, err := e.s.hub.Register(userID, "user", nil)
	require.NoError(t, err)
	ctx := middleware.WithSession(context.Background(), userID, client.SessionID)
	require.NoError(t, e.s.hub.Connect(ctx, client))
	t.Cleanup(func() { e.s.hub.UnregisterClient(client) })
	frames(t, client)
	return &wsSession{client: client, ctx: ctx}
}

func (e *testEnv) send(ws *wsSession, frame string) {
	e.s.handleFrame(ws.ctx, ws.client, []byte(frame))
}

func frames(t *testing.T, c *notifications.Client) []wsFrame {
	t.Helper()
	var out []wsFrame
	for {
		select {
		case raw := <-c.Send:
			var f wsFrame
			require.NoError(t, json.Unmarshal(raw, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func ofType(all []wsFrame, typ models.EventType) []wsFrame {
	var out []wsFrame
	for _, f := range all {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func uintString(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func serviceMute(actorID, convID, targetID uint) service.ModerationRequest {
	return service.ModerationRequest{
		ActorID:        actorID,
		ConversationID: convID,
		Action:         string(models.ActionMute),
		TargetUserID:   &targetID,
	}
}

func errorCode(t *testing.T, f wsFrame) string {
	t.Helper()
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &body))
	return body.Code
}

func TestHandleFrame_RejectsBadFrames(t *testing.T) {
	env := newTestEnv(t)
	_, users := env.group(t, models.RoleOwner)
	ws := env.connect(t, users[0].ID)

	tests := []struct {
		name  string
		frame string
		code  string
	}{
		{name: "invalid json", frame: `{"type":`, code: models.CodeValidation},
		{name: "unknown type", frame: `{"type":"dance"}`, code: models.CodeValidation},
		{name: "join without conversation", frame: `{"type":"join"}`, code: models.CodeValidation},
		{name: "join foreign conversation", frame: `{"type":"join","conversation_id":9999}`, code: models.CodeForbidden},
		{name: "delivered without ids", frame: `{"type":"delivered","message_ids":[]}`, code: models.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.send(ws, tt.frame)
			errs := ofType(frames(t, ws.client), models.EventError)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.code, errorCode(t, errs[0]))
		})
	}

	env.send(ws, `{"type":"heartbeat"}`)
	assert.Len(t, ofType(frames(t, ws.client), models.EventHeartbeat), 1, "errors leave the session usable")
}

func TestHandleFrame_JoinAndLeave(t *testing.T) {
	env := newTestEnv(t)
	conv, users := env.group(t, models.RoleOwner, models.RoleMember)
	ws := env.connect(t, users[1].ID)

	env.send(ws, `{"type":"join","conversation_id":`+uintString(conv.ID)+`}`)
	joined := ofType(frames(t, ws.client), models.EventJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, conv.ID, joined[0].ConversationID)
	assert.True(t, env.s.hub.ActiveViewers(conv.ID)[users[1].ID])

	env.send(ws, `{"type":"leave","conversation_id":`+uintString(conv.ID)+`}`)
	assert.Len(t, ofType(frames(t, ws.client), models.EventLeft), 1)
	assert.NotContains(t, env.s.hub.Subscriptions(ws.client.SessionID), conv.ID)
}

func TestHandleFrame_MessageIsAcknowledgedAndRelayed(t *testing.T) {
	env := newTestEnv(t)
	conv, users := env.group(t, models.RoleOwner, models.RoleMember)
	sender := env.connect(t, users[0].ID)
	peer := env.connect(t, users[1].ID)

	env.send(sender, `{"type":"message","conversation_id":`+uintString(conv.ID)+`,"content":"hi","client_id":"c-1"}`)

	acks := ofType(frames(t, sender.client), models.EventMessageAck)
	require.Len(t, acks, 1)
	var ack struct {
		ClientID  string `json:"client_id"`
		MessageID uint   `json:"message_id"`
	}
	require.NoError(t, json.Unmarshal(acks[0].Payload, &ack))
	assert.Equal(t, "c-1", ack.ClientID)
	assert.NotZero(t, ack.MessageID)

	created := ofType(frames(t, peer.client), models.EventMessageCreated)
	require.Len(t, created, 1)
	assert.Equal(t, conv.ID, created[0].ConversationID)
}

func TestHandleFrame_MessageFromOutsiderIsRejected(t *testing.T) {
	env := newTestEnv(t)
	conv, _ := env.group(t, models.RoleOwner)
	_, others := env.group(t, models.RoleOwner)
	ws := env.connect(t, others[0].ID)

	env.send(ws, `{"type":"message","conversation_id":`+uintString(conv.ID)+`,"content":"hi"}`)
	errs := ofType(frames(t, ws.client), models.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, models.CodeForbidden, errorCode(t, errs[0]))
}

func TestHandleFrame_Typing(t *testing.T) {
	env := newTestEnv(t)
	conv, users := env.group(t, models.RoleOwner, models.RoleMember)
	typist := env.connect(t, users[0].ID)
	peer := env.connect(t, users[1].ID)

	env.send(typist, `{"type":"typing","conversation_id":`+uintString(conv.ID)+`,"is_typing":true}`)
	typing := ofType(frames(t, peer.client), models.EventTyping)
	require.Len(t, typing, 1)
	var ev models.TypingEvent
	require.NoError(t, json.Unmarshal(typing[0].Payload, &ev))
	assert.Equal(t, users[0].ID, ev.UserID)
	assert.True(t, ev.IsTyping)

	env.s.featureFlags = featureflags.NewManager("typing_indicators=off")
	env.send(typist, `{"type":"typing","conversation_id":`+uintString(conv.ID)+`,"is_typing":false}`)
	assert.Empty(t, ofType(frames(t, peer.client), models.EventTyping))
	assert.Empty(t, ofType(frames(t, typist.client), models.EventError), "disabled indicators are dropped silently")
}

func TestHandleFrame_TypingFromMutedMemberIsDropped(t *testing.T) {
	env := newTestEnv(t)
	conv, users := env.group(t, models.RoleOwner, models.RoleMember)
	owner := env.connect(t, users[0].ID)
	muted := env.connect(t, users[1].ID)

	_, err := env.s.moderation.Apply(context.Background(), serviceMute(users[0].ID, conv.ID, users[1].ID))
	require.NoError(t, err)
	frames(t, owner.client)
	frames(t, muted.client)

	env.send(muted, `{"type":"typing","conversation_id":`+uintString(conv.ID)+`,"is_typing":true}`)
	assert.Empty(t, ofType(frames(t, owner.client), models.EventTyping))
}

func TestHandleFrame_ReadAndDelivered(t *testing.T) {
	env := newTestEnv(t)
	conv, users := env.group(t, models.RoleOwner, models.RoleMember)
	sender := env.connect(t, users[0].ID)
	reader := env.connect(t, users[1].ID)

	env.send(sender, `{"type":"message","conversation_id":`+uintString(conv.ID)+`,"content":"one"}`)
	var ack struct {
		MessageID uint `json:"message_id"`
	}
	acks := ofType(frames(t, sender.client), models.EventMessageAck)
	require.Len(t, acks, 1)
	require.NoError(t, json.Unmarshal(acks[0].Payload, &ack))

	env.send(reader, `{"type":"delivered","message_ids":[`+uintString(ack.MessageID)+`]}`)
	env.send(reader, `{"type":"read","conversation_id":`+uintString(conv.ID)+`}`)
	assert.Empty(t, ofType(frames(t, reader.client), models.EventError))

	unread, err := env.s.receipts.GetUnreadCount(context.Background(), conv.ID, users[1].ID)
	require.NoError(t, err)
	assert.Zero(t, unread)
}
