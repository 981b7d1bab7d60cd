// Package ai manages bidirectional streaming sessions with the Gemini
// Live API. One Session maps to exactly one phone call; audio goes in
// at 16kHz PCM16 and comes back at 24kHz PCM16.
package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// MIMEPCM16Input is the MIME descriptor for audio pushed to the model.
const MIMEPCM16Input = "audio/pcm;rate=16000"

// receiveBufferSize bounds how many decoded audio messages may queue
// between the receiver goroutine and ReceiveAudio. When the bridge
// falls behind, newer audio is dropped rather than buffered without
// bound; stale audio in a live call is worse than silence.
const receiveBufferSize = 32

// State tracks the session lifecycle. Disconnected is terminal.
type State int

const (
	StateUnconnected State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// SessionError reports a live session failure. Session errors are
// call-fatal: the bridge runs its full cleanup sequence on any of them.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("live session %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

func sessionErr(op string, format string, args ...interface{}) error {
	return &SessionError{Op: op, Err: fmt.Errorf(format, args...)}
}

// SessionConfig holds per-call model configuration.
type SessionConfig struct {
	Model             string
	Voice             string
	SystemInstruction string
	Tools             []*genai.Tool
}

// BackendConfig selects the Gemini backend: an API key, or a GCP
// project/region pair for Vertex AI.
type BackendConfig struct {
	APIKey   string
	Project  string
	Location string
}

// liveConn is the narrow slice of the genai live session the Session
// uses. Tests substitute a fake.
type liveConn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// dialFunc opens a live connection with the handshake configuration.
type dialFunc func(ctx context.Context) (liveConn, error)

// Session is one bidirectional streaming connection to the live model.
// Owned exclusively by one call; not safe for use by multiple calls.
type Session struct {
	cfg    SessionConfig
	dial   dialFunc
	logger zerolog.Logger

	mu      sync.Mutex
	state   State
	conn    liveConn
	audioCh chan []byte
	done    chan struct{}
}

// NewSession creates an unconnected session for the given model
// configuration and backend.
func NewSession(cfg SessionConfig, backend BackendConfig, logger zerolog.Logger) *Session {
	s := &Session{
		cfg:    cfg,
		logger: logger,
	}
	s.dial = func(ctx context.Context) (liveConn, error) {
		return dialLive(ctx, backend, cfg)
	}
	return s
}

// dialLive opens the real genai live connection, sending voice,
// modality, and system instruction as the setup handshake.
func dialLive(ctx context.Context, backend BackendConfig, cfg SessionConfig) (liveConn, error) {
	cc := &genai.ClientConfig{}
	if backend.APIKey != "" {
		cc.APIKey = backend.APIKey
		cc.Backend = genai.BackendGeminiAPI
	} else {
		cc.Project = backend.Project
		cc.Location = backend.Location
		cc.Backend = genai.BackendVertexAI
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	liveCfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{
					VoiceName: cfg.Voice,
				},
			},
		},
	}
	if cfg.SystemInstruction != "" {
		liveCfg.SystemInstruction = &genai.Content{
			Role:  "system",
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		}
	}
	if len(cfg.Tools) > 0 {
		liveCfg.Tools = cfg.Tools
	}

	return client.Live.Connect(ctx, cfg.Model, liveCfg)
}

// Connect opens the live connection and starts the receiver goroutine.
// Valid only in the unconnected state.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUnconnected {
		state := s.state
		s.mu.Unlock()
		return sessionErr("connect", "session is %s", state)
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return &SessionError{Op: "connect", Err: err}
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.audioCh = make(chan []byte, receiveBufferSize)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.receiveLoop(conn, s.audioCh, s.done)

	s.logger.Info().
		Str("model", s.cfg.Model).
		Str("voice", s.cfg.Voice).
		Msg("Live session connected")
	return nil
}

// receiveLoop pumps model messages into the audio channel until the
// connection dies or the session disconnects.
func (s *Session) receiveLoop(conn liveConn, audioCh chan<- []byte, done <-chan struct{}) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			select {
			case <-done:
				// Expected: Disconnect closed the connection.
			default:
				s.logger.Warn().Err(err).Msg("Live session receive ended")
			}
			return
		}

		audio := extractAudio(msg)
		if len(audio) == 0 {
			continue
		}

		select {
		case audioCh <- audio:
		case <-done:
			return
		default:
			// Bridge is not draining fast enough; drop the chunk.
			s.logger.Warn().Int("bytes", len(audio)).Msg("Dropping model audio, receive buffer full")
		}
	}
}

// extractAudio concatenates every inline PCM part of one server
// message. Non-audio parts (text transcripts, tool calls) are ignored.
func extractAudio(msg *genai.LiveServerMessage) []byte {
	if msg == nil || msg.ServerContent == nil || msg.ServerContent.ModelTurn == nil {
		return nil
	}

	var audio []byte
	for _, part := range msg.ServerContent.ModelTurn.Parts {
		if part == nil || part.InlineData == nil {
			continue
		}
		if !strings.HasPrefix(part.InlineData.MIMEType, "audio/pcm") {
			continue
		}
		audio = append(audio, part.InlineData.Data...)
	}
	return audio
}

// SendAudio pushes one chunk of 16kHz PCM16 audio to the model.
func (s *Session) SendAudio(pcm []byte, mimeType string) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if state != StateConnected {
		return sessionErr("send", "not connected")
	}
	if mimeType == "" {
		mimeType = MIMEPCM16Input
	}

	err := conn.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			Data:     pcm,
			MIMEType: mimeType,
		},
	})
	if err != nil {
		return &SessionError{Op: "send", Err: err}
	}
	return nil
}

// ReceiveAudio returns 24kHz PCM16 audio produced by the model so far,
// waiting at most timeout for the first chunk. A nil, nil return means
// no audio was ready; that is not an error. Everything already queued
// is concatenated into one buffer.
func (s *Session) ReceiveAudio(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	audioCh := s.audioCh
	state := s.state
	s.mu.Unlock()

	if state != StateConnected {
		return nil, sessionErr("receive", "not connected")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var audio []byte
	select {
	case chunk := <-audioCh:
		audio = append(audio, chunk...)
	case <-timer.C:
		return nil, nil
	}

	// Drain whatever else is already queued without waiting further.
	for {
		select {
		case chunk := <-audioCh:
			audio = append(audio, chunk...)
		default:
			return audio, nil
		}
	}
}

// Disconnect tears down the connection. Idempotent: disconnecting an
// already-disconnected or never-connected session is a no-op.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	done := s.done
	s.state = StateDisconnected
	s.conn = nil
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing live session")
		}
		s.logger.Info().Msg("Live session disconnected")
	}
	return nil
}

// IsConnected reports whether the session is usable for audio I/O.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

// CurrentState returns the lifecycle state.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
