package telephony

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/medbridge/voice-bridge/internal/config"
	"github.com/medbridge/voice-bridge/internal/tokenstore"
)

// fakeLiveSession is an in-memory LiveSession. ReceiveAudio returns
// whatever was queued via queueAudio and never blocks.
type fakeLiveSession struct {
	mu           sync.Mutex
	connectErr   error
	connected    bool
	disconnected bool
	sent         [][]byte
	pending      [][]byte
}

func (f *fakeLiveSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeLiveSession) SendAudio(pcm []byte, mimeType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	f.sent = append(f.sent, buf)
	return nil
}

func (f *fakeLiveSession) ReceiveAudio(timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	var out []byte
	for _, chunk := range f.pending {
		out = append(out, chunk...)
	}
	f.pending = nil
	return out, nil
}

func (f *fakeLiveSession) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnected = true
	return nil
}

func (f *fakeLiveSession) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLiveSession) queueAudio(pcm []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, pcm)
}

func (f *fakeLiveSession) sentChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeLiveSession) isDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

func testBridgeConfig() *config.Config {
	return &config.Config{
		LiveVoice:                "Aoede",
		DefaultSystemInstruction: "default instruction",
		ConnectTimeout:           time.Second,
		ReceiveTimeout:           5 * time.Millisecond,
		AudioBufferSize:          65536,
		RetryMaxAttempts:         1,
		RetryInitialBackoff:      1,
	}
}

// singleSessionFactory hands out one fake session and records the
// voice/instruction the bridge resolved.
type singleSessionFactory struct {
	mu          sync.Mutex
	session     *fakeLiveSession
	voice       string
	instruction string
	called      int
}

func (sf *singleSessionFactory) factory(voice, instruction string) LiveSession {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.voice = voice
	sf.instruction = instruction
	sf.called++
	return sf.session
}

func (sf *singleSessionFactory) callCount() int {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.called
}

func (sf *singleSessionFactory) resolved() (string, string) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.voice, sf.instruction
}

func dialBridge(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	if query != "" {
		wsURL += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendStart(t *testing.T, conn *websocket.Conn, callSid, streamSid string, params map[string]string) {
	t.Helper()
	err := conn.WriteJSON(map[string]interface{}{
		"event": "start",
		"start": map[string]interface{}{
			"callSid":          callSid,
			"streamSid":        streamSid,
			"customParameters": params,
		},
	})
	if err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}
}

func sendMedia(t *testing.T, conn *websocket.Conn, mulaw []byte) {
	t.Helper()
	err := conn.WriteJSON(map[string]interface{}{
		"event": "media",
		"media": map[string]interface{}{
			"payload": base64.StdEncoding.EncodeToString(mulaw),
		},
	})
	if err != nil {
		t.Fatalf("Failed to send media event: %v", err)
	}
}

func sendStop(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if err := conn.WriteJSON(map[string]interface{}{"event": "stop", "stop": map[string]interface{}{}}); err != nil {
		t.Fatalf("Failed to send stop event: %v", err)
	}
}

// readMedia reads frames until the first outbound media event.
func readMedia(t *testing.T, conn *websocket.Conn) *OutboundMedia {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg OutboundMedia
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Failed to read outbound media: %v", err)
		}
		if msg.Event == EventMedia {
			return &msg
		}
	}
}

func TestBridge_MediaFlow(t *testing.T) {
	session := &fakeLiveSession{}
	sf := &singleSessionFactory{session: session}
	srv := httptest.NewServer(HandleMediaStream(testBridgeConfig(), tokenstore.New(), sf.factory))
	defer srv.Close()

	conn := dialBridge(t, srv, "")
	sendStart(t, conn, "CA1", "MZ1", nil)

	// 20ms of model audio at 24kHz PCM16 downsamples to exactly one
	// 160-byte telephony frame.
	session.queueAudio(make([]byte, 960))
	sendMedia(t, conn, make([]byte, 160))

	out := readMedia(t, conn)
	if out.StreamSid != "MZ1" {
		t.Errorf("Expected streamSid MZ1, got %s", out.StreamSid)
	}
	payload, err := base64.StdEncoding.DecodeString(out.Media.Payload)
	if err != nil {
		t.Fatalf("Outbound payload is not valid base64: %v", err)
	}
	if len(payload) != 160 {
		t.Errorf("Expected one 160-byte frame, got %d bytes", len(payload))
	}

	// Inbound 160 mu-law bytes upsample to 640 bytes of 16kHz PCM16.
	sent := session.sentChunks()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 chunk sent to the model, got %d", len(sent))
	}
	if len(sent[0]) != 640 {
		t.Errorf("Expected 640 PCM bytes sent to the model, got %d", len(sent[0]))
	}
}

func TestBridge_DropsMediaBeforeStart(t *testing.T) {
	session := &fakeLiveSession{}
	sf := &singleSessionFactory{session: session}
	srv := httptest.NewServer(HandleMediaStream(testBridgeConfig(), tokenstore.New(), sf.factory))
	defer srv.Close()

	conn := dialBridge(t, srv, "")

	// Media before start must be dropped silently without touching the
	// session factory.
	sendMedia(t, conn, make([]byte, 160))
	sendMedia(t, conn, make([]byte, 160))
	sendStop(t, conn)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		var msg OutboundMedia
		if err := conn.ReadJSON(&msg); err != nil {
			break // server closed after stop
		}
		if msg.Event == EventMedia {
			t.Fatal("Expected no outbound media before start")
		}
	}

	if sf.callCount() != 0 {
		t.Errorf("Expected session factory never called, got %d calls", sf.callCount())
	}
}

func TestBridge_MalformedMessageSkipped(t *testing.T) {
	session := &fakeLiveSession{}
	sf := &singleSessionFactory{session: session}
	srv := httptest.NewServer(HandleMediaStream(testBridgeConfig(), tokenstore.New(), sf.factory))
	defer srv.Close()

	conn := dialBridge(t, srv, "")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("Failed to send malformed message: %v", err)
	}

	// The call must survive the bad frame.
	sendStart(t, conn, "CA1", "MZ1", nil)
	session.queueAudio(make([]byte, 960))
	sendMedia(t, conn, make([]byte, 160))

	out := readMedia(t, conn)
	if out.StreamSid != "MZ1" {
		t.Errorf("Expected streamSid MZ1 after malformed frame, got %s", out.StreamSid)
	}
}

func TestBridge_StartWithoutPayloadSkipped(t *testing.T) {
	session := &fakeLiveSession{}
	sf := &singleSessionFactory{session: session}
	srv := httptest.NewServer(HandleMediaStream(testBridgeConfig(), tokenstore.New(), sf.factory))
	defer srv.Close()

	conn := dialBridge(t, srv, "")

	if err := conn.WriteJSON(map[string]interface{}{"event": "start"}); err != nil {
		t.Fatalf("Failed to send bare start event: %v", err)
	}

	// A proper start afterwards must still bring the call up.
	sendStart(t, conn, "CA1", "MZ1", nil)
	session.queueAudio(make([]byte, 960))
	sendMedia(t, conn, make([]byte, 160))

	if out := readMedia(t, conn); out.StreamSid != "MZ1" {
		t.Errorf("Expected bridge to recover from payload-less start, got streamSid %s", out.StreamSid)
	}
}

func TestBridge_UnknownEventIgnored(t *testing.T) {
	session := &fakeLiveSession{}
	sf := &singleSessionFactory{session: session}
	srv := httptest.NewServer(HandleMediaStream(testBridgeConfig(), tokenstore.New(), sf.factory))
	defer srv.Close()

	conn := dialBridge(t, srv, "")

	if err := conn.WriteJSON(map[string]interface{}{"event": "dtmf"}); err != nil {
		t.Fatalf("Failed to send unknown event: %v", err)
	}

	sendStart(t, conn, "CA1", "MZ1", nil)
	session.queueAudio(make([]byte, 960))
	sendMedia(t, conn, make([]byte, 160))

	if out := readMedia(t, conn); out.StreamSid != "MZ1" {
		t.Errorf("Expected bridge to keep working after unknown event, got streamSid %s", out.StreamSid)
	}
}

func TestBridge_StopDisconnectsSession(t *testing.T) {
	session := &fakeLiveSession{}
	sf := &singleSessionFactory{session: session}
	srv := httptest.NewServer(HandleMediaStream(testBridgeConfig(), tokenstore.New(), sf.factory))
	defer srv.Close()

	conn := dialBridge(t, srv, "")
	sendStart(t, conn, "CA1", "MZ1", nil)

	// Wait for the session to come up before stopping.
	deadline := time.Now().Add(time.Second)
	for !session.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !session.IsConnected() {
		t.Fatal("Session never connected")
	}

	sendStop(t, conn)

	deadline = time.Now().Add(time.Second)
	for !session.isDisconnected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !session.isDisconnected() {
		t.Error("Expected session to be disconnected after stop")
	}
}

func TestBridge_DuplicateStartIgnored(t *testing.T) {
	session := &fakeLiveSession{}
	sf := &singleSessionFactory{session: session}
	srv := httptest.NewServer(HandleMediaStream(testBridgeConfig(), tokenstore.New(), sf.factory))
	defer srv.Close()

	conn := dialBridge(t, srv, "")
	sendStart(t, conn, "CA1", "MZ1", nil)
	sendStart(t, conn, "CA2", "MZ2", nil)

	// The first call must keep running on its original identifiers.
	session.queueAudio(make([]byte, 960))
	sendMedia(t, conn, make([]byte, 160))

	out := readMedia(t, conn)
	if out.StreamSid != "MZ1" {
		t.Errorf("Expected audio tagged with the first streamSid, got %s", out.StreamSid)
	}
	if sf.callCount() != 1 {
		t.Errorf("Expected exactly 1 session built, got %d", sf.callCount())
	}
	if session.isDisconnected() {
		t.Error("First session must stay connected after a duplicate start")
	}
}

func TestBridge_FlushesPartialFrameOnStop(t *testing.T) {
	session := &fakeLiveSession{}
	sf := &singleSessionFactory{session: session}
	srv := httptest.NewServer(HandleMediaStream(testBridgeConfig(), tokenstore.New(), sf.factory))
	defer srv.Close()

	conn := dialBridge(t, srv, "")
	sendStart(t, conn, "CA1", "MZ1", nil)

	// 30ms of model audio at 24kHz downsamples to 240 mu-law bytes:
	// one full frame plus an 80-byte remainder.
	session.queueAudio(make([]byte, 1440))
	sendMedia(t, conn, make([]byte, 160))

	first := readMedia(t, conn)
	payload, err := base64.StdEncoding.DecodeString(first.Media.Payload)
	if err != nil {
		t.Fatalf("First payload is not valid base64: %v", err)
	}
	if len(payload) != 160 {
		t.Fatalf("Expected full 160-byte frame first, got %d bytes", len(payload))
	}

	// Teardown must flush the remainder before the socket closes.
	sendStop(t, conn)
	last := readMedia(t, conn)
	if last.StreamSid != "MZ1" {
		t.Errorf("Trailing frame tagged %s, expected MZ1", last.StreamSid)
	}
	payload, err = base64.StdEncoding.DecodeString(last.Media.Payload)
	if err != nil {
		t.Fatalf("Trailing payload is not valid base64: %v", err)
	}
	if len(payload) != 80 {
		t.Errorf("Expected 80-byte trailing frame, got %d bytes", len(payload))
	}
}

func TestBridge_ConnectFailureSendsErrorMark(t *testing.T) {
	session := &fakeLiveSession{connectErr: errors.New("backend unavailable")}
	sf := &singleSessionFactory{session: session}
	srv := httptest.NewServer(HandleMediaStream(testBridgeConfig(), tokenstore.New(), sf.factory))
	defer srv.Close()

	conn := dialBridge(t, srv, "")
	sendStart(t, conn, "CA1", "MZ1", nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var sawMark bool
	for {
		var msg OutboundMark
		if err := conn.ReadJSON(&msg); err != nil {
			break // server closes after the fatal error
		}
		if msg.Event == EventMark && msg.Mark.Name == "bridge-error" {
			sawMark = true
		}
	}
	if !sawMark {
		t.Error("Expected a bridge-error mark before the socket closed")
	}
}

func TestBridge_ResolveCallConfig(t *testing.T) {
	cfg := testBridgeConfig()
	tokens := tokenstore.New()
	tokens.Put("tok-1", "stored instruction")

	tests := []struct {
		name            string
		query           map[string]string
		params          map[string]string
		wantVoice       string
		wantInstruction string
	}{
		{
			name:            "defaults",
			query:           map[string]string{},
			wantVoice:       "Aoede",
			wantInstruction: "default instruction",
		},
		{
			name:            "explicit instruction wins over token",
			query:           map[string]string{"instruction": "explicit", "token": "tok-1"},
			wantVoice:       "Aoede",
			wantInstruction: "explicit",
		},
		{
			name:            "token lookup",
			query:           map[string]string{"token": "tok-1"},
			wantVoice:       "Aoede",
			wantInstruction: "stored instruction",
		},
		{
			name:            "unknown token falls back to default",
			query:           map[string]string{"token": "no-such-token"},
			wantVoice:       "Aoede",
			wantInstruction: "default instruction",
		},
		{
			name:            "custom parameters override query",
			query:           map[string]string{"voice": "Puck", "instruction": "from query"},
			params:          map[string]string{"voice": "Charon", "instruction": "from params"},
			wantVoice:       "Charon",
			wantInstruction: "from params",
		},
		{
			name:            "query voice honored",
			query:           map[string]string{"voice": "Puck"},
			wantVoice:       "Puck",
			wantInstruction: "default instruction",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBridge(nil, cfg, tokens, nil, tt.query)
			voice, instruction := b.resolveCallConfig(tt.params)
			if voice != tt.wantVoice {
				t.Errorf("Expected voice %q, got %q", tt.wantVoice, voice)
			}
			if instruction != tt.wantInstruction {
				t.Errorf("Expected instruction %q, got %q", tt.wantInstruction, instruction)
			}
		})
	}
}

func TestBridge_ConcurrentCallsIsolated(t *testing.T) {
	var mu sync.Mutex
	sessions := make(map[string]*fakeLiveSession)
	factory := func(voice, instruction string) LiveSession {
		f := &fakeLiveSession{}
		f.queueAudio(make([]byte, 960))
		mu.Lock()
		sessions[instruction] = f
		mu.Unlock()
		return f
	}

	srv := httptest.NewServer(HandleMediaStream(testBridgeConfig(), tokenstore.New(), factory))
	defer srv.Close()

	// Two calls open at once; events interleaved across them.
	connA := dialBridge(t, srv, "")
	connB := dialBridge(t, srv, "")
	sendStart(t, connA, "CA-a", "MZ-a", map[string]string{"instruction": "instruction-a"})
	sendStart(t, connB, "CA-b", "MZ-b", map[string]string{"instruction": "instruction-b"})
	sendMedia(t, connA, make([]byte, 160))
	sendMedia(t, connB, make([]byte, 160))

	if out := readMedia(t, connA); out.StreamSid != "MZ-a" {
		t.Errorf("Call A got audio tagged %s", out.StreamSid)
	}
	if out := readMedia(t, connB); out.StreamSid != "MZ-b" {
		t.Errorf("Call B got audio tagged %s", out.StreamSid)
	}
	sendStop(t, connA)
	sendStop(t, connB)

	mu.Lock()
	defer mu.Unlock()
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 independent sessions, got %d", len(sessions))
	}
	for instruction, s := range sessions {
		if got := s.sentChunks(); len(got) != 1 {
			t.Errorf("Session %s: expected 1 chunk, got %d", instruction, len(got))
		}
	}
}
