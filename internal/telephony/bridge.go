package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/medbridge/voice-bridge/internal/ai"
	"github.com/medbridge/voice-bridge/internal/audio"
	"github.com/medbridge/voice-bridge/internal/config"
	"github.com/medbridge/voice-bridge/internal/observability"
	"github.com/medbridge/voice-bridge/internal/resilience"
	"github.com/medbridge/voice-bridge/internal/tokenstore"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Twilio does not send a browser Origin header; media stream
		// auth is handled at the TwiML level.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// LiveSession is the slice of the AI session the bridge drives. The
// concrete implementation is ai.Session; tests use fakes.
type LiveSession interface {
	Connect(ctx context.Context) error
	SendAudio(pcm []byte, mimeType string) error
	ReceiveAudio(timeout time.Duration) ([]byte, error)
	Disconnect() error
	IsConnected() bool
}

// SessionFactory builds a live session for the resolved voice and
// system instruction of one call.
type SessionFactory func(voice, systemInstruction string) LiveSession

// Bridge relays audio between one Media Streams WebSocket and one live
// AI session. It owns the call session state exclusively; bridges for
// different streams share nothing but the token store.
type Bridge struct {
	conn       *websocket.Conn
	cfg        *config.Config
	tokens     *tokenstore.Store
	newSession SessionFactory

	// Voice/instruction hints from the WebSocket URL query; custom
	// parameters in the start event take the same role and win.
	queryVoice       string
	queryInstruction string
	queryToken       string

	mu        sync.RWMutex
	isActive  bool
	state     CallState
	callSid   string
	streamSid string
	session   LiveSession

	outBuffer *audio.RingBuffer

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewBridge creates a bridge for one upgraded WebSocket connection.
func NewBridge(conn *websocket.Conn, cfg *config.Config, tokens *tokenstore.Store, factory SessionFactory, query map[string]string) *Bridge {
	correlationID := observability.NewCorrelationID()
	logger := observability.CallLogger(correlationID)

	metrics := observability.NewCallMetrics(correlationID)
	metrics.RecordCallStart()

	return &Bridge{
		conn:             conn,
		cfg:              cfg,
		tokens:           tokens,
		newSession:       factory,
		queryVoice:       query["voice"],
		queryInstruction: query["instruction"],
		queryToken:       query["token"],
		state:            CallInitiating,
		outBuffer:        audio.NewRingBuffer(cfg.AudioBufferSize),
		metrics:          metrics,
		logger:           logger,
	}
}

// HandleMediaStream returns the WebSocket handler for the provider's
// media stream endpoint.
func HandleMediaStream(cfg *config.Config, tokens *tokenstore.Store, factory SessionFactory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger := observability.GetLogger()
			logger.Error().Err(err).Msg("Failed to upgrade media stream connection")
			return
		}
		defer conn.Close()

		query := map[string]string{
			"voice":       r.URL.Query().Get("voice"),
			"instruction": r.URL.Query().Get("instruction"),
			"token":       r.URL.Query().Get("token"),
		}

		bridge := NewBridge(conn, cfg, tokens, factory, query)
		bridge.Run(r.Context())
	}
}

// Run drives the message loop until the stream stops, the peer
// disconnects, or a session-fatal error occurs. Cleanup always runs,
// in order: stop accepting media, disconnect the AI session, close the
// socket (by the caller's defer).
func (b *Bridge) Run(ctx context.Context) {
	defer b.cleanup()

	for {
		_, raw, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				b.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg StreamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// One bad frame must not kill a healthy call.
			b.logger.Error().Err(&ProtocolError{Err: err}).Msg("Skipping malformed media stream message")
			b.metrics.RecordError("protocol_error", "telephony")
			continue
		}

		switch msg.Event {
		case EventConnected:
			b.logger.Info().Msg("Media stream connected")

		case EventStart:
			if msg.Start == nil {
				b.logger.Error().Err(&ProtocolError{Event: EventStart, Err: errors.New("missing payload")}).Msg("Skipping malformed media stream message")
				b.metrics.RecordError("protocol_error", "telephony")
				continue
			}
			if err := b.handleStart(ctx, msg.Start); err != nil {
				b.logger.Error().Err(err).Msg("Failed to start live session, ending call")
				b.metrics.RecordError("session_error", "ai")
				b.sendErrorMark()
				return
			}

		case EventMedia:
			if err := b.handleMedia(msg.Media); err != nil {
				b.logger.Error().Err(err).Str("stream_sid", b.StreamSid()).Msg("Session error during media handling, ending call")
				b.metrics.RecordError("session_error", "ai")
				b.sendErrorMark()
				return
			}

		case EventMark:
			if msg.Mark != nil {
				b.logger.Debug().Str("mark", msg.Mark.Name).Msg("Mark event received")
			}

		case EventStop:
			b.logger.Info().Str("stream_sid", b.StreamSid()).Msg("Media stream stopped")
			return

		default:
			b.logger.Warn().Str("event", msg.Event).Msg("Ignoring unknown media stream event")
		}
	}
}

// handleStart resolves the call configuration, connects the live
// session, and only then activates audio processing.
func (b *Bridge) handleStart(ctx context.Context, start *StartPayload) error {
	b.mu.Lock()
	if b.state != CallInitiating {
		b.mu.Unlock()
		// A second start on the same socket would leak the first live
		// session.
		b.logger.Warn().Str("stream_sid", start.StreamSid).Msg("Ignoring duplicate start event")
		b.metrics.RecordError("protocol_error", "telephony")
		return nil
	}
	b.callSid = start.CallSid
	b.streamSid = start.StreamSid
	b.state = CallConnected
	b.mu.Unlock()

	b.logger = b.logger.With().
		Str("call_sid", start.CallSid).
		Str("stream_sid", start.StreamSid).
		Logger()
	b.logger.Info().Msg("Call started")

	voice, instruction := b.resolveCallConfig(start.CustomParameters)

	session := b.newSession(voice, instruction)

	b.metrics.RecordLiveConnectStart()
	connectCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()

	retryCfg := &resilience.RetryConfig{
		MaxAttempts:       b.cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(b.cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
	err := resilience.Retry(connectCtx, func() error {
		return session.Connect(connectCtx)
	}, retryCfg, nil)
	b.metrics.RecordLiveConnectEnd(err == nil)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.session = session
	b.isActive = true
	b.state = CallStreaming
	b.mu.Unlock()

	b.logger.Info().Str("voice", voice).Msg("Live session ready, accepting audio")
	return nil
}

// resolveCallConfig picks the effective voice and system instruction.
// Instruction priority: explicit instruction > token lookup > default.
func (b *Bridge) resolveCallConfig(params map[string]string) (voice, instruction string) {
	voice = b.queryVoice
	instruction = b.queryInstruction
	token := b.queryToken

	if params != nil {
		if v, ok := params["voice"]; ok && v != "" {
			voice = v
		}
		if v, ok := params["instruction"]; ok && v != "" {
			instruction = v
		}
		if v, ok := params["token"]; ok && v != "" {
			token = v
		}
	}

	if voice == "" {
		voice = b.cfg.LiveVoice
	}

	if instruction == "" && token != "" {
		stored, err := b.tokens.Get(token)
		if err != nil {
			// Expired or unknown token: fall back to the default.
			b.logger.Warn().Err(err).Msg("Instruction token lookup failed, using default instruction")
			b.metrics.RecordError("token_expired", "tokenstore")
		} else {
			instruction = stored
		}
	}
	if instruction == "" {
		instruction = b.cfg.DefaultSystemInstruction
	}

	return voice, instruction
}

// handleMedia processes one inbound audio chunk. Codec and validation
// failures drop the chunk and return nil; only live session failures
// propagate (they are call-fatal).
func (b *Bridge) handleMedia(media *MediaPayload) error {
	b.mu.RLock()
	active := b.isActive
	session := b.session
	b.mu.RUnlock()

	if !active {
		// Expected during the startup window before the AI session is
		// ready; drop silently.
		b.metrics.RecordDroppedChunk("inactive")
		return nil
	}
	if media == nil || media.Payload == "" {
		b.metrics.RecordDroppedChunk("invalid")
		return nil
	}

	mulawData, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Dropping chunk with invalid base64 payload")
		b.metrics.RecordDroppedChunk("invalid")
		return nil
	}

	chunk := audio.NewTelephonyChunk(mulawData)
	if !audio.Validate(chunk, audio.EncodingMulaw) {
		b.logger.Debug().Int("bytes", len(mulawData)).Msg("Dropping invalid telephony chunk")
		b.metrics.RecordDroppedChunk("invalid")
		return nil
	}
	b.metrics.RecordAudioBytes("in", int64(len(mulawData)))

	aiChunk, err := audio.TelephonyToAI(chunk)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Dropping chunk after codec failure")
		b.metrics.RecordDroppedChunk("codec")
		b.metrics.RecordError("codec_error", "audio")
		return nil
	}

	if err := session.SendAudio(aiChunk.Data, ai.MIMEPCM16Input); err != nil {
		return err
	}

	pcm, err := session.ReceiveAudio(b.cfg.ReceiveTimeout)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}

	outChunk, err := audio.AIToTelephony(audio.NewAIOutputChunk(pcm))
	if err != nil {
		b.logger.Warn().Err(err).Msg("Dropping model audio after codec failure")
		b.metrics.RecordDroppedChunk("codec")
		b.metrics.RecordError("codec_error", "audio")
		return nil
	}

	return b.emitAudio(outChunk.Data)
}

// emitAudio frames converted model audio into 20ms telephony frames
// and writes one media message per frame. Audio beyond the ring
// buffer's capacity is dropped rather than allowed to grow stale.
func (b *Bridge) emitAudio(mulawData []byte) error {
	written := b.outBuffer.Write(mulawData)
	if written < len(mulawData) {
		b.logger.Warn().Int("dropped", len(mulawData)-written).Msg("Outbound buffer full, dropping audio")
		b.metrics.RecordDroppedChunk("backpressure")
	}

	streamSid := b.StreamSid()
	for {
		frame := b.outBuffer.ReadFrame(audio.TelephonyFrameBytes)
		if frame == nil {
			return nil
		}
		if err := b.writeMedia(streamSid, frame); err != nil {
			return err
		}
	}
}

// writeMedia sends one outbound media frame tagged with the stream id.
func (b *Bridge) writeMedia(streamSid string, mulawFrame []byte) error {
	msg := OutboundMedia{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media: OutboundMediaPayload{
			Payload: base64.StdEncoding.EncodeToString(mulawFrame),
		},
	}
	if err := b.conn.WriteJSON(msg); err != nil {
		return err
	}
	b.metrics.RecordAudioBytes("out", int64(len(mulawFrame)))
	return nil
}

// sendErrorMark makes a best-effort attempt to tell the provider the
// bridge is going away before the socket closes.
func (b *Bridge) sendErrorMark() {
	_ = b.conn.WriteJSON(OutboundMark{
		Event:     EventMark,
		StreamSid: b.StreamSid(),
		Mark:      MarkPayload{Name: "bridge-error"},
	})
}

// cleanup tears the call down in the required order: deactivate media
// handling first, flush the trailing partial frame, then disconnect
// the AI session. The WebSocket itself is closed by the handler's
// defer. Runs on every loop exit.
func (b *Bridge) cleanup() {
	b.mu.Lock()
	b.isActive = false
	b.state = CallTerminated
	session := b.session
	b.session = nil
	b.mu.Unlock()

	// Best effort: the socket is still open here, so audio short of a
	// full frame can still reach the caller.
	if rest := b.outBuffer.Drain(); len(rest) > 0 {
		if streamSid := b.StreamSid(); streamSid != "" {
			if err := b.writeMedia(streamSid, rest); err != nil {
				b.logger.Debug().Err(err).Msg("Failed to flush trailing audio")
			}
		}
	}

	if session != nil {
		if err := session.Disconnect(); err != nil {
			b.logger.Error().Err(err).Msg("Error disconnecting live session")
		}
	}

	b.metrics.RecordCallEnd()
	b.logger.Info().Str("stream_sid", b.StreamSid()).Msg("Call session cleaned up")
}

// IsActive reports whether the bridge is accepting media.
func (b *Bridge) IsActive() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isActive
}

// State returns the call session lifecycle state.
func (b *Bridge) State() CallState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// CallSid returns the provider-assigned call identifier.
func (b *Bridge) CallSid() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.callSid
}

// StreamSid returns the provider-assigned stream identifier.
func (b *Bridge) StreamSid() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.streamSid
}
