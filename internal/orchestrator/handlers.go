package orchestrator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/medbridge/voice-bridge/internal/telephony"
)

// mediaStreamPath is the WebSocket endpoint the TwiML points at.
const mediaStreamPath = "/twilio-stream"

// errorTwiML is returned when TwiML generation itself fails, so the
// caller hears something instead of dead air.
const errorTwiML = `<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Say>Sorry, there was an error connecting the call.</Say>
</Response>`

// Handler exposes the orchestrator over HTTP.
type Handler struct {
	orch *Orchestrator
}

// NewHandler wraps an orchestrator for HTTP serving.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// Register attaches the call-control routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /call", h.InitiateCall)
	mux.HandleFunc("GET /call/{sid}", h.CallStatus)
	mux.HandleFunc("POST /call/{sid}/hangup", h.HangupCall)
	mux.HandleFunc("GET /twiml", h.TwiML)
	mux.HandleFunc("POST /twiml", h.TwiML)
}

// InitiateCall handles POST /call. 422 on a malformed body, 503 when
// the telephony provider is unconfigured, 500 on provider failure.
func (h *Handler) InitiateCall(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, CallResponse{
			Success: false,
			Message: "invalid request body: " + err.Error(),
		})
		return
	}
	if strings.TrimSpace(req.To) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, CallResponse{
			Success: false,
			Message: "field 'to' is required",
		})
		return
	}

	publicURL := h.orch.ResolvePublicURL(r.Header, r.Host)
	callSid, err := h.orch.InitiateCall(r.Context(), &req, publicURL)
	if err != nil {
		h.orch.logger.Error().Err(err).Str("to", req.To).Msg("Failed to initiate call")
		writeJSON(w, statusForError(err), CallResponse{
			Success: false,
			Message: err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, CallResponse{
		Success: true,
		CallSid: callSid,
		Message: "Call initiated to " + req.To,
	})
}

// CallStatus handles GET /call/{sid}.
func (h *Handler) CallStatus(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")

	status, err := h.orch.twilio.CallStatus(r.Context(), sid)
	if err != nil {
		h.orch.logger.Error().Err(err).Str("call_sid", sid).Msg("Failed to fetch call status")
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HangupCall handles POST /call/{sid}/hangup.
func (h *Handler) HangupCall(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")

	if err := h.orch.twilio.HangupCall(r.Context(), sid); err != nil {
		h.orch.logger.Error().Err(err).Str("call_sid", sid).Msg("Failed to hang up call")
		writeJSON(w, statusForError(err), CallResponse{
			Success: false,
			Message: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, CallResponse{
		Success: true,
		Message: "Call " + sid + " hung up",
	})
}

// TwiML handles GET|POST /twiml. The provider fetches this document
// when the outbound call connects; it instructs the provider to open a
// media stream WebSocket back to this service, carrying the voice and
// instruction hints as stream parameters.
func (h *Handler) TwiML(w http.ResponseWriter, r *http.Request) {
	publicURL := h.orch.ResolvePublicURL(r.Header, r.Host)
	wsURL := WebSocketBaseURL(publicURL) + mediaStreamPath

	params := map[string]string{}
	for _, key := range []string{"voice", "instruction", "token"} {
		if v := r.URL.Query().Get(key); v != "" {
			params[key] = v
		}
	}

	doc, err := BuildCallbackDocument(wsURL, params)
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	if err != nil {
		h.orch.logger.Error().Err(err).Msg("Failed to build callback document")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(errorTwiML))
		return
	}

	h.orch.logger.Info().Str("ws_url", wsURL).Msg("Serving callback document")
	w.Write([]byte(doc))
}

// statusForError maps the error taxonomy to HTTP statuses: missing
// provider configuration is 503, everything else from the provider is
// 500.
func statusForError(err error) int {
	var cfgErr *telephony.ConfigError
	if errors.As(err, &cfgErr) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
