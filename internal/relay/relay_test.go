package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/get-sltr/3musketeers-sub002/internal/auth"
	"github.com/get-sltr/3musketeers-sub002/internal/models"
)

type fakeVerifier struct {
	tokens map[string]auth.Identity
}

func (f *fakeVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	id, ok := f.tokens[token]
	if !ok {
		return auth.Identity{}, errors.New("bad token")
	}
	return id, nil
}

type readCall struct {
	messageID string
	readerID  string
}

type fakeStore struct {
	conversations map[string]*models.Conversation
	failCreate    bool
	failMarkRead  bool
	created       []models.Message
	reads         []readCall
}

func (f *fakeStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	conv, ok := f.conversations[id]
	if !ok {
		return nil, errors.New("conversation not found")
	}
	return conv, nil
}

func (f *fakeStore) CreateMessage(_ context.Context, msg *models.Message) error {
	if f.failCreate {
		return errors.New("insert failed")
	}
	msg.ID = fmt.Sprintf("m%d", len(f.created)+1)
	msg.CreatedAt = time.Now()
	f.created = append(f.created, *msg)
	return nil
}

func (f *fakeStore) MarkMessageRead(_ context.Context, messageID, readerID string, _ time.Time) error {
	if f.failMarkRead {
		return errors.New("update failed")
	}
	f.reads = append(f.reads, readCall{messageID: messageID, readerID: readerID})
	return nil
}

func newTestRelay() (*Relay, *fakeStore) {
	fs := &fakeStore{conversations: map[string]*models.Conversation{
		"c1": {ID: "c1", User1ID: "u1", User2ID: "u2"},
		"c2": {ID: "c2", User1ID: "u2", User2ID: "u1"},
	}}
	fv := &fakeVerifier{tokens: map[string]auth.Identity{
		"tok1": {UserID: "u1", DisplayName: "Alice"},
		"tok2": {UserID: "u2", DisplayName: "Bob"},
	}}
	return New(fv, fs), fs
}

func dispatch(t *testing.T, r *Relay, c *Conn, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	raw, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	r.Dispatch(c, raw)
}

func nextEvent(t *testing.T, c *Conn) (Envelope, bool) {
	t.Helper()
	select {
	case b := <-c.Send():
		var env Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal outbound frame: %v", err)
		}
		return env, true
	default:
		return Envelope{}, false
	}
}

func wantEvent(t *testing.T, c *Conn, event string) json.RawMessage {
	t.Helper()
	env, ok := nextEvent(t, c)
	if !ok {
		t.Fatalf("expected event %q, got none", event)
	}
	if env.Event != event {
		t.Fatalf("expected event %q, got %q", event, env.Event)
	}
	return env.Data
}

func wantNoEvent(t *testing.T, c *Conn) {
	t.Helper()
	if env, ok := nextEvent(t, c); ok {
		t.Fatalf("expected no event, got %q", env.Event)
	}
}

func drain(c *Conn) {
	for {
		select {
		case <-c.Send():
		default:
			return
		}
	}
}

func authConn(t *testing.T, r *Relay, token string) *Conn {
	t.Helper()
	c := r.Attach()
	dispatch(t, r, c, EvAuthenticate, AuthenticatePayload{Token: token})
	wantEvent(t, c, EvAuthenticated)
	return c
}

func TestAuthenticate_BadToken(t *testing.T) {
	r, _ := newTestRelay()
	c := r.Attach()
	dispatch(t, r, c, EvAuthenticate, AuthenticatePayload{UserID: "u1", Token: "nope"})
	var p ErrorPayload
	if err := json.Unmarshal(wantEvent(t, c, EvAuthError), &p); err != nil {
		t.Fatal(err)
	}
	if p.Message == "" {
		t.Error("auth_error carries empty message")
	}
	if r.ActiveUsers() != 0 {
		t.Errorf("ActiveUsers() after failed auth = %d, want 0", r.ActiveUsers())
	}
}

func TestAuthenticate_VerifiedIdentityWins(t *testing.T) {
	r, _ := newTestRelay()
	c := r.Attach()
	// 客户端自报的 userId 与 token 不一致时，以 token 校验结果为准
	dispatch(t, r, c, EvAuthenticate, AuthenticatePayload{UserID: "someone-else", Token: "tok1"})
	wantEvent(t, c, EvAuthenticated)

	rec, ok := r.registry.Get(c.ID)
	if !ok {
		t.Fatal("no connection record after authenticate")
	}
	if rec.UserID != "u1" || rec.DisplayName != "Alice" {
		t.Errorf("record = %+v, want verified identity u1/Alice", rec)
	}
	if !r.rooms.Contains(UserRoom("u1"), c.ID) {
		t.Error("connection not joined to its personal room")
	}
}

func TestAuthenticate_BroadcastsOnlineToOthers(t *testing.T) {
	r, _ := newTestRelay()
	x := authConn(t, r, "tok1")
	y := r.Attach()
	dispatch(t, r, y, EvAuthenticate, AuthenticatePayload{Token: "tok2"})

	var p PresencePayload
	if err := json.Unmarshal(wantEvent(t, x, EvUserOnline), &p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != "u2" || p.Username != "Bob" {
		t.Errorf("user_online = %+v, want u2/Bob", p)
	}
	// 自己只收到 authenticated，不收到自己的 user_online
	wantEvent(t, y, EvAuthenticated)
	wantNoEvent(t, y)
}

// 对应认证门禁：未认证连接触发受保护事件时，只回一个 error 事件，
// 既不广播也不写存储。
func TestProtectedEvents_RequireAuth(t *testing.T) {
	r, fs := newTestRelay()
	observer := authConn(t, r, "tok2")
	dispatch(t, r, observer, EvJoinConversation, ConversationPayload{ConversationID: "c1"})
	drain(observer)

	c := r.Attach()
	cases := []struct {
		event   string
		payload interface{}
	}{
		{EvSendMessage, SendMessagePayload{ConversationID: "c1", Content: "hi"}},
		{EvTypingStart, ConversationPayload{ConversationID: "c1"}},
		{EvTypingStop, ConversationPayload{ConversationID: "c1"}},
		{EvMarkMessageRead, MarkReadPayload{MessageID: "m1", ConversationID: "c1"}},
		{EvCallOffer, CallPayload{TargetUserID: "u2"}},
		{EvCallAnswer, CallPayload{TargetUserID: "u2"}},
		{EvCallICECandidate, CallPayload{TargetUserID: "u2"}},
		{EvCallEnd, CallPayload{TargetUserID: "u2"}},
		{EvLocationUpdate, LocationPayload{Latitude: 1, Longitude: 2, ConversationID: "c1"}},
		{EvFileShare, FileSharePayload{ConversationID: "c1", FileName: "a.png"}},
	}
	for _, tc := range cases {
		dispatch(t, r, c, tc.event, tc.payload)
		wantEvent(t, c, EvError)
		wantNoEvent(t, c)
	}

	if len(fs.created) != 0 {
		t.Errorf("store received %d messages from unauthenticated connection", len(fs.created))
	}
	if len(fs.reads) != 0 {
		t.Errorf("store received %d read updates from unauthenticated connection", len(fs.reads))
	}
	wantNoEvent(t, observer)
	if r.TypingCount() != 0 {
		t.Errorf("TypingCount() = %d, want 0", r.TypingCount())
	}
}

// 对应接收方解析：无论会话行里的参与者顺序如何，接收方都是“不是发送者的那个”。
func TestSendMessage_ReceiverResolution(t *testing.T) {
	r, fs := newTestRelay()
	x := authConn(t, r, "tok1")
	y := authConn(t, r, "tok2")
	drain(x)

	dispatch(t, r, x, EvSendMessage, SendMessagePayload{ConversationID: "c1", Content: "from A"})
	dispatch(t, r, y, EvSendMessage, SendMessagePayload{ConversationID: "c1", Content: "from B"})
	// c2 的参与者顺序相反
	dispatch(t, r, x, EvSendMessage, SendMessagePayload{ConversationID: "c2", Content: "swapped"})

	if len(fs.created) != 3 {
		t.Fatalf("store has %d messages, want 3", len(fs.created))
	}
	if fs.created[0].SenderID != "u1" || fs.created[0].ReceiverID != "u2" {
		t.Errorf("message 1 sender/receiver = %s/%s, want u1/u2", fs.created[0].SenderID, fs.created[0].ReceiverID)
	}
	if fs.created[1].SenderID != "u2" || fs.created[1].ReceiverID != "u1" {
		t.Errorf("message 2 sender/receiver = %s/%s, want u2/u1", fs.created[1].SenderID, fs.created[1].ReceiverID)
	}
	if fs.created[2].SenderID != "u1" || fs.created[2].ReceiverID != "u2" {
		t.Errorf("message 3 sender/receiver = %s/%s, want u1/u2", fs.created[2].SenderID, fs.created[2].ReceiverID)
	}
}

// 场景：X 以 u1 认证、Y 以 u2 认证，都加入 conversation:c1，X 发 "hi"。
// Y 收到 new_message；X 自己既收到房间广播也收到私发的 message_delivered，
// 两者是独立事件。
func TestSendMessage_AckAndBroadcast(t *testing.T) {
	r, _ := newTestRelay()
	x := authConn(t, r, "tok1")
	y := authConn(t, r, "tok2")
	dispatch(t, r, x, EvJoinConversation, ConversationPayload{ConversationID: "c1"})
	dispatch(t, r, y, EvJoinConversation, ConversationPayload{ConversationID: "c1"})
	drain(x)
	drain(y)

	dispatch(t, r, x, EvSendMessage, SendMessagePayload{ConversationID: "c1", Content: "hi"})

	var got NewMessagePayload
	if err := json.Unmarshal(wantEvent(t, y, EvNewMessage), &got); err != nil {
		t.Fatal(err)
	}
	if got.SenderID != "u1" || got.Content != "hi" || got.SenderName != "Alice" {
		t.Errorf("new_message = %+v, want senderId u1, content hi", got)
	}
	if got.ID == "" {
		t.Error("new_message carries empty id")
	}

	var xMsg NewMessagePayload
	if err := json.Unmarshal(wantEvent(t, x, EvNewMessage), &xMsg); err != nil {
		t.Fatal(err)
	}
	var ack MessageDeliveredPayload
	if err := json.Unmarshal(wantEvent(t, x, EvMessageDelivered), &ack); err != nil {
		t.Fatal(err)
	}
	if ack.MessageID != got.ID {
		t.Errorf("message_delivered id = %s, want %s", ack.MessageID, got.ID)
	}
}

func TestSendMessage_SenderOutsideRoomStillGetsAck(t *testing.T) {
	r, _ := newTestRelay()
	x := authConn(t, r, "tok1")
	y := authConn(t, r, "tok2")
	dispatch(t, r, y, EvJoinConversation, ConversationPayload{ConversationID: "c1"})
	drain(x)

	dispatch(t, r, x, EvSendMessage, SendMessagePayload{ConversationID: "c1", Content: "hi"})

	wantEvent(t, y, EvNewMessage)
	// 发送方没进房间，只有回执
	wantEvent(t, x, EvMessageDelivered)
	wantNoEvent(t, x)
}

func TestSendMessage_UnknownConversation(t *testing.T) {
	r, fs := newTestRelay()
	x := authConn(t, r, "tok1")

	dispatch(t, r, x, EvSendMessage, SendMessagePayload{ConversationID: "nope", Content: "hi"})

	wantEvent(t, x, EvMessageError)
	if len(fs.created) != 0 {
		t.Errorf("store has %d messages, want 0", len(fs.created))
	}
}

func TestSendMessage_StoreFailureIsTerminal(t *testing.T) {
	r, fs := newTestRelay()
	fs.failCreate = true
	x := authConn(t, r, "tok1")
	y := authConn(t, r, "tok2")
	dispatch(t, r, x, EvJoinConversation, ConversationPayload{ConversationID: "c1"})
	dispatch(t, r, y, EvJoinConversation, ConversationPayload{ConversationID: "c1"})
	drain(x)
	drain(y)

	dispatch(t, r, x, EvSendMessage, SendMessagePayload{ConversationID: "c1", Content: "hi"})

	wantEvent(t, x, EvMessageError)
	wantNoEvent(t, x)
	wantNoEvent(t, y)
}

// 已读事件只发给房间里的其他人，不回显给读者。
func TestMarkMessageRead_ExcludesReader(t *testing.T) {
	r, fs := newTestRelay()
	x := authConn(t, r, "tok1")
	y := authConn(t, r, "tok2")
	dispatch(t, r, x, EvJoinConversation, ConversationPayload{ConversationID: "c1"})
	dispatch(t, r, y, EvJoinConversation, ConversationPayload{ConversationID: "c1"})
	drain(x)
	drain(y)

	dispatch(t, r, x, EvMarkMessageRead, MarkReadPayload{MessageID: "m9", ConversationID: "c1"})

	var p MessageReadPayload
	if err := json.Unmarshal(wantEvent(t, y, EvMessageRead), &p); err != nil {
		t.Fatal(err)
	}
	if p.MessageID != "m9" || p.ReadBy != "u1" {
		t.Errorf("message_read = %+v, want m9 read by u1", p)
	}
	wantNoEvent(t, x)

	// 服务端不校验读者是否为消息接收方，写库成功就转发（既有行为）
	if len(fs.reads) != 1 || fs.reads[0].readerID != "u1" {
		t.Errorf("store reads = %+v, want one read by u1", fs.reads)
	}
}

func TestMarkMessageRead_StoreFailureIsSilent(t *testing.T) {
	r, _ := newTestRelay()
	fsFail := &fakeStore{conversations: map[string]*models.Conversation{}, failMarkRead: true}
	r.store = fsFail
	x := authConn(t, r, "tok1")
	y := authConn(t, r, "tok2")
	dispatch(t, r, y, EvJoinConversation, ConversationPayload{ConversationID: "c1"})
	drain(x)
	drain(y)

	dispatch(t, r, x, EvMarkMessageRead, MarkReadPayload{MessageID: "m9", ConversationID: "c1"})

	// 软失败：读者和房间成员都不收到任何事件
	wantNoEvent(t, x)
	wantNoEvent(t, y)
}

func TestTyping_RelayAndStop(t *testing.T) {
	r, _ := newTestRelay()
	x := authConn(t, r, "tok1")
	y := authConn(t, r, "tok2")
	dispatch(t, r, x, EvJoinConversation, ConversationPayload{ConversationID: "c1"})
	dispatch(t, r, y, EvJoinConversation, ConversationPayload{ConversationID: "c1"})
	drain(x)
	drain(y)

	dispatch(t, r, x, EvTypingStart, ConversationPayload{ConversationID: "c1"})
	var p TypingEventPayload
	if err := json.Unmarshal(wantEvent(t, y, EvUserTyping), &p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != "u1" || p.Username != "Alice" || p.ConversationID != "c1" {
		t.Errorf("user_typing = %+v, want u1/Alice/c1", p)
	}
	wantNoEvent(t, x) // 不回显给打字者本人
	if r.TypingCount() != 1 {
		t.Errorf("TypingCount() = %d, want 1", r.TypingCount())
	}

	dispatch(t, r, x, EvTypingStop, ConversationPayload{ConversationID: "c1"})
	wantEvent(t, y, EvUserStopTyping)
	if r.TypingCount() != 0 {
		t.Errorf("TypingCount() after stop = %d, want 0", r.TypingCount())
	}
}

// 场景：typing_start 之后客户端消失，超过 30 秒的标记由清扫兜底移除。
func TestTyping_SweepRemovesStaleMarker(t *testing.T) {
	r, _ := newTestRelay()
	x := authConn(t, r, "tok1")
	dispatch(t, r, x, EvTypingStart, ConversationPayload{ConversationID: "c1"})
	if r.TypingCount() != 1 {
		t.Fatalf("TypingCount() = %d, want 1", r.TypingCount())
	}

	// 把标记拨回 31 秒前，模拟没有 typing_stop 的失联客户端
	r.typing.Upsert(TypingMarker{UserID: "u1", ConversationID: "c1", DisplayName: "Alice", Timestamp: time.Now().Add(-31 * time.Second)})
	r.typing.Sweep(typingIdleLimit)

	if r.TypingCount() != 0 {
		t.Errorf("TypingCount() after sweep = %d, want 0", r.TypingCount())
	}
}

// 断开连接后：该用户的输入标记全部清掉，其余连接收到 user_offline。
func TestDisconnect_Cleanup(t *testing.T) {
	r, _ := newTestRelay()
	x := authConn(t, r, "tok1")
	y := authConn(t, r, "tok2")
	dispatch(t, r, x, EvTypingStart, ConversationPayload{ConversationID: "c1"})
	dispatch(t, r, x, EvTypingStart, ConversationPayload{ConversationID: "c2"})
	drain(x)
	drain(y)

	xID := x.ID
	r.Disconnect(x)

	if r.TypingCount() != 0 {
		t.Errorf("TypingCount() after disconnect = %d, want 0", r.TypingCount())
	}
	var p PresencePayload
	if err := json.Unmarshal(wantEvent(t, y, EvUserOffline), &p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != "u1" {
		t.Errorf("user_offline userId = %s, want u1", p.UserID)
	}
	if _, ok := r.registry.Get(xID); ok {
		t.Error("connection record survived disconnect")
	}
	if r.rooms.Contains(UserRoom("u1"), xID) {
		t.Error("room membership survived disconnect")
	}
}

func TestDisconnect_UnauthenticatedIsQuiet(t *testing.T) {
	r, _ := newTestRelay()
	y := authConn(t, r, "tok2")
	c := r.Attach()
	r.Disconnect(c)
	wantNoEvent(t, y)
}

func TestCallSignal_ForwardsWithVerifiedSender(t *testing.T) {
	r, _ := newTestRelay()
	x := authConn(t, r, "tok1")
	y := authConn(t, r, "tok2")
	drain(x)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	// 客户端伪造 fromUserId，转发时必须被覆盖
	dispatch(t, r, x, EvCallOffer, CallPayload{TargetUserID: "u2", FromUserID: "u999", Offer: offer, ConversationID: "c1"})

	var p CallPayload
	if err := json.Unmarshal(wantEvent(t, y, EvCallOffer), &p); err != nil {
		t.Fatal(err)
	}
	if p.FromUserID != "u1" {
		t.Errorf("call_offer fromUserId = %s, want verified u1", p.FromUserID)
	}
	if string(p.Offer) != string(offer) {
		t.Errorf("call_offer payload altered: %s", p.Offer)
	}
	if p.ConversationID != "c1" {
		t.Errorf("call_offer conversationId = %s, want c1", p.ConversationID)
	}
}

func TestCallSignal_AllFourEventsRelay(t *testing.T) {
	r, _ := newTestRelay()
	x := authConn(t, r, "tok1")
	y := authConn(t, r, "tok2")
	drain(x)

	for _, ev := range []string{EvCallOffer, EvCallAnswer, EvCallICECandidate, EvCallEnd} {
		dispatch(t, r, x, ev, CallPayload{TargetUserID: "u2"})
		wantEvent(t, y, ev)
	}
}

func TestCallSignal_UnknownTargetDropped(t *testing.T) {
	r, _ := newTestRelay()
	x := authConn(t, r, "tok1")
	dispatch(t, r, x, EvCallOffer, CallPayload{TargetUserID: "nobody"})
	wantNoEvent(t, x)
}

func TestLocationUpdate_RelayAndThrottle(t *testing.T) {
	r, _ := newTestRelay()
	x := authConn(t, r, "tok1")
	y := authConn(t, r, "tok2")
	dispatch(t, r, y, EvJoinConversation, ConversationPayload{ConversationID: "c1"})
	drain(x)
	drain(y)

	dispatch(t, r, x, EvLocationUpdate, LocationPayload{Latitude: 50.45, Longitude: 30.52, ConversationID: "c1"})
	var p LocationEventPayload
	if err := json.Unmarshal(wantEvent(t, y, EvUserLocationUpdate), &p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != "u1" || p.Latitude != 50.45 || p.Longitude != 30.52 {
		t.Errorf("user_location_update = %+v", p)
	}

	// 紧跟着的第二次上报被限流，静默丢弃
	dispatch(t, r, x, EvLocationUpdate, LocationPayload{Latitude: 50.46, Longitude: 30.53, ConversationID: "c1"})
	wantNoEvent(t, y)
	wantNoEvent(t, x)
}

func TestFileShare_RelaysMetadataOnly(t *testing.T) {
	r, _ := newTestRelay()
	x := authConn(t, r, "tok1")
	y := authConn(t, r, "tok2")
	dispatch(t, r, y, EvJoinConversation, ConversationPayload{ConversationID: "c1"})
	drain(x)

	dispatch(t, r, x, EvFileShare, FileSharePayload{ConversationID: "c1", FileName: "pic.png", FileType: "image/png", FileSize: 1024})

	var p FileSharedPayload
	if err := json.Unmarshal(wantEvent(t, y, EvFileShared), &p); err != nil {
		t.Fatal(err)
	}
	if p.FromUserID != "u1" || p.FileName != "pic.png" || p.FileSize != 1024 {
		t.Errorf("file_shared = %+v", p)
	}
	wantNoEvent(t, x)
}

func TestDispatch_MalformedFrameIgnored(t *testing.T) {
	r, _ := newTestRelay()
	c := r.Attach()
	r.Dispatch(c, []byte("not json"))
	wantNoEvent(t, c)
}
