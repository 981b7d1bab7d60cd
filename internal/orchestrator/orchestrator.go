// Package orchestrator initiates outbound calls and produces the TwiML
// callback documents that point the telephony provider at the media
// stream bridge.
package orchestrator

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/medbridge/voice-bridge/internal/config"
	"github.com/medbridge/voice-bridge/internal/observability"
	"github.com/medbridge/voice-bridge/internal/telephony"
	"github.com/medbridge/voice-bridge/internal/tokenstore"
	"github.com/rs/zerolog"
)

// maxInlineInstruction is the longest system instruction carried
// directly in the callback URL. Anything longer goes through the token
// store; Twilio truncates callback URLs past a few kilobytes.
const maxInlineInstruction = 256

// CallRequest is the POST /call body.
type CallRequest struct {
	To                string `json:"to"`
	FromNumber        string `json:"from_number,omitempty"`
	TwimlURL          string `json:"twiml_url,omitempty"`
	Voice             string `json:"voice,omitempty"`
	SystemInstruction string `json:"system_instruction,omitempty"`
}

// CallResponse is the POST /call reply.
type CallResponse struct {
	Success bool   `json:"success"`
	CallSid string `json:"call_sid,omitempty"`
	Message string `json:"message"`
}

// Orchestrator places outbound calls and generates TwiML. Shares the
// token store with the media stream bridge.
type Orchestrator struct {
	twilio *telephony.Client
	tokens *tokenstore.Store
	cfg    *config.Config
	logger zerolog.Logger
}

// New creates a call orchestrator.
func New(twilio *telephony.Client, tokens *tokenstore.Store, cfg *config.Config, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		twilio: twilio,
		tokens: tokens,
		cfg:    cfg,
		logger: logger,
	}
}

// InitiateCall places an outbound call. publicURL is the externally
// reachable base URL of this service; the provider will fetch the
// callback document from it. Long system instructions are parked in
// the token store and referenced by token so the callback URL stays
// short.
func (o *Orchestrator) InitiateCall(ctx context.Context, req *CallRequest, publicURL string) (string, error) {
	callbackURL := req.TwimlURL
	if callbackURL == "" {
		params := url.Values{}
		if req.Voice != "" {
			params.Set("voice", req.Voice)
		}
		if req.SystemInstruction != "" {
			if len(req.SystemInstruction) > maxInlineInstruction {
				token, err := tokenstore.NewToken()
				if err != nil {
					return "", fmt.Errorf("failed to generate instruction token: %w", err)
				}
				o.tokens.Put(token, req.SystemInstruction)
				observability.SetTokenStoreSize(o.tokens.Len())
				params.Set("token", token)
			} else {
				params.Set("instruction", req.SystemInstruction)
			}
		}

		callbackURL = publicURL + "/twiml"
		if encoded := params.Encode(); encoded != "" {
			callbackURL += "?" + encoded
		}
	}

	callSid, err := o.twilio.CreateCall(ctx, req.To, req.FromNumber, callbackURL)
	if err != nil {
		observability.RecordOutboundCall(false)
		return "", err
	}
	observability.RecordOutboundCall(true)

	o.logger.Info().
		Str("call_sid", callSid).
		Str("to", req.To).
		Msg("Outbound call initiated")
	return callSid, nil
}

// twimlParameter is one <Parameter name value/> element inside the
// stream declaration. The provider echoes these back as custom
// parameters in the start event.
type twimlParameter struct {
	XMLName xml.Name `xml:"Parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

type twimlStream struct {
	XMLName    xml.Name `xml:"Stream"`
	URL        string   `xml:"url,attr"`
	Parameters []twimlParameter
}

type twimlConnect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  twimlStream
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Connect twimlConnect
}

// BuildCallbackDocument renders the TwiML that tells the provider to
// open a media stream to wsURL. Parameters are emitted in sorted name
// order; all attribute values are XML-escaped by the encoder. An
// unescaped ampersand in an attribute silently corrupts the document.
func BuildCallbackDocument(wsURL string, params map[string]string) (string, error) {
	stream := twimlStream{URL: wsURL}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: name, Value: params[name]})
	}

	doc := twimlResponse{Connect: twimlConnect{Stream: stream}}
	out, err := xml.MarshalIndent(doc, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to render callback document: %w", err)
	}
	return xml.Header + string(out), nil
}

// ResolvePublicURL determines the externally reachable base URL of
// this service. A configured PUBLIC_URL always wins; otherwise
// X-Forwarded-Host/X-Forwarded-Proto headers (ngrok, Cloud Run, any
// reverse proxy) are honored, then the plain request host.
func (o *Orchestrator) ResolvePublicURL(headers http.Header, requestHost string) string {
	if o.cfg.PublicURL != "" {
		return strings.TrimRight(o.cfg.PublicURL, "/")
	}

	if fwdHost := headers.Get("X-Forwarded-Host"); fwdHost != "" {
		proto := headers.Get("X-Forwarded-Proto")
		if proto == "" {
			proto = "https"
		}
		return proto + "://" + fwdHost
	}

	host := requestHost
	if host == "" {
		host = "localhost:" + o.cfg.Port
	}
	scheme := "http"
	if strings.Contains(host, ":443") {
		scheme = "https"
	}
	return scheme + "://" + host
}

// WebSocketBaseURL converts an http(s) public URL into its ws(s)
// equivalent for the media stream endpoint.
func WebSocketBaseURL(publicURL string) string {
	switch {
	case strings.HasPrefix(publicURL, "https://"):
		return "wss://" + strings.TrimPrefix(publicURL, "https://")
	case strings.HasPrefix(publicURL, "http://"):
		return "ws://" + strings.TrimPrefix(publicURL, "http://")
	}
	return publicURL
}
