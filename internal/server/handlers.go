package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/chriscow/foundation-voice-go/pkg/config"
	"github.com/chriscow/foundation-voice-go/pkg/plugin"
	"github.com/chriscow/foundation-voice-go/pkg/sdk"
	"github.com/chriscow/foundation-voice-go/pkg/session"
	"github.com/chriscow/foundation-voice-go/pkg/telephony"
	"github.com/chriscow/foundation-voice-go/pkg/transport"
)

const maxBody = 1 << 20

// offerRequest is the body of POST /api/offer.
type offerRequest struct {
	transport.Offer
	AgentName string                    `json:"agent_name,omitempty"`
	SessionID string                    `json:"session_id,omitempty"`
	Resume    []session.TranscriptEntry `json:"transcript,omitempty"`
}

// connectRequest is the body of POST /connect.
type connectRequest struct {
	TransportType string `json:"transportType"`
	AgentName     string `json:"agent_name,omitempty"`
	Room          string `json:"room,omitempty"`
}

// connectResponse carries whichever fields the transport needs.
type connectResponse struct {
	WSURL    string `json:"ws_url,omitempty"`
	OfferURL string `json:"offer_url,omitempty"`
	RoomURL  string `json:"room_url,omitempty"`
	Token    string `json:"token,omitempty"`
	Room     string `json:"room,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	in := &transport.Inbound{
		Query:    r.URL.Query(),
		Header:   r.Header,
		RemoteIP: remoteIP(r),
		Conn:     conn,
	}
	resp, err := s.sdk.Connect(r.Context(), in, sdk.AgentDefinition{})
	if err != nil {
		attrs := []any{slog.Any("error", err)}
		if resp != nil {
			attrs = append(attrs, slog.String("session_id", resp.SessionID))
		}
		s.logger.Error("websocket session ended with error", attrs...)
	}
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SDP == "" {
		writeError(w, http.StatusBadRequest, transport.ErrNoOffer)
		return
	}
	if req.RestartPC {
		s.logger.Info("restart_pc requested, negotiating a new connection", slog.String("pc_id", req.PCID))
	}

	q := url.Values{}
	if req.AgentName != "" {
		q.Set("agent_name", req.AgentName)
	}
	if req.SessionID != "" {
		q.Set("session_id", req.SessionID)
	}
	offer := req.Offer
	in := &transport.Inbound{Query: q, Header: r.Header, RemoteIP: remoteIP(r), Offer: &offer}

	resp, err := s.sdk.Connect(r.Context(), in, sdk.AgentDefinition{Resume: req.Resume})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if resp.Answer == nil {
		writeError(w, http.StatusInternalServerError, errors.New("transport produced no answer"))
		return
	}
	writeJSON(w, http.StatusOK, resp.Answer)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t, ok := transport.ParseType(req.TransportType)
	if !ok {
		writeError(w, http.StatusBadRequest, &transport.UnsupportedTransportError{Type: transport.Type(req.TransportType)})
		return
	}

	base := s.publicURL(r)
	switch t {
	case transport.StandardWebSocket:
		wsURL, err := telephony.StreamURL(base)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if req.AgentName != "" {
			wsURL += "?" + url.Values{"agent_name": {req.AgentName}}.Encode()
		}
		writeJSON(w, http.StatusOK, connectResponse{WSURL: wsURL})

	case transport.WebRTCOffer:
		writeJSON(w, http.StatusOK, connectResponse{OfferURL: base + "/api/offer"})

	case transport.LiveKitRoom:
		resp, err := s.startRoom(req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)

	default:
		writeError(w, http.StatusBadRequest, &transport.UnsupportedTransportError{Type: t})
	}
}

// startRoom mints a client token and puts the agent in the room.
func (s *Server) startRoom(req connectRequest) (connectResponse, error) {
	lk := s.cfg.LiveKit
	room := req.Room
	if room == "" {
		room = transport.NewRoomName()
	}
	token, err := transport.RoomToken(lk, room, "user-"+uuid.NewString()[:8], transport.DefaultTokenTTL)
	if err != nil {
		return connectResponse{}, err
	}

	q := url.Values{"transport_type": {string(transport.LiveKitRoom)}, "room": {room}}
	if req.AgentName != "" {
		q.Set("agent_name", req.AgentName)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.sdk.Connect(context.Background(), &transport.Inbound{Query: q}, sdk.AgentDefinition{}); err != nil {
			s.logger.Error("room session ended with error", slog.String("room", room), slog.Any("error", err))
		}
	}()

	return connectResponse{RoomURL: lk.URL, Token: token, Room: room}, nil
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sdk.Sessions().List()})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.sdk.Sessions().Evict(id, session.StateExplicitDisconnect); !ok {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	client := s.sdk.Telephony()
	if client == nil {
		writeError(w, http.StatusServiceUnavailable, telephony.ErrMissingCredentials)
		return
	}
	var req telephony.CallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sid, err := client.CreateCall(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_sid": sid})
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent_name")
	markup, err := telephony.StreamTwiML(s.publicURL(r), agent)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(markup))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sdk.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, config.ErrConfig),
		errors.Is(err, plugin.ErrUnknownProvider),
		errors.Is(err, transport.ErrNoOffer),
		errors.Is(err, transport.ErrUnsupportedTransport):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
