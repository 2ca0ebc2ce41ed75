package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"whatsapp-gateway/internal/qr"
	"whatsapp-gateway/internal/security"
	"whatsapp-gateway/internal/types"
)

// recentEventLimit is how many transitions /debug-session returns
const recentEventLimit = 20

// handlePair requests a phone-number pairing code.
// POST /pair
// Request: { phone: string }
// Response: { success: bool, pairingCode: string, message: string, error?: string }
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		SendJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Phone) == "" {
		s.metrics.RecordPairing("invalid")
		SendJSONError(w, "phone is required", http.StatusBadRequest)
		return
	}

	code, err := s.conn.RequestPairingCode(r.Context(), req.Phone)
	security.LogPairingRequested(clientIP(r), req.Phone, err)
	if err != nil {
		s.logger.Warnf("Pairing code request for %s failed: %v", security.MaskPhone(req.Phone), err)
		s.metrics.RecordPairing(resultForError(err))
		SendError(w, err)
		return
	}

	s.metrics.RecordPairing("ok")
	sendJSON(w, types.PairResponse{
		Success:     true,
		PairingCode: code,
		Message:     "Enter the pairing code in WhatsApp under Linked devices > Link with phone number",
	}, http.StatusOK)
}

// handleSend sends a text message.
// POST /send
// Request: { phone: string, message: string }
// Response: { success: bool, message?: string, error?: string }
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		SendJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Phone) == "" || strings.TrimSpace(req.Message) == "" {
		s.metrics.RecordMessage("invalid")
		SendJSONError(w, "phone and message are required", http.StatusBadRequest)
		return
	}

	if err := s.conn.SendMessage(r.Context(), req.Phone, req.Message); err != nil {
		s.logger.Warnf("Failed to send message to %s: %v", security.MaskPhone(req.Phone), err)
		s.metrics.RecordMessage(resultForError(err))
		SendError(w, err)
		return
	}

	s.metrics.RecordMessage("sent")
	security.LogMessageSent(req.Phone, "text")
	sendJSON(w, types.SendMessageResponse{
		Success: true,
		Message: "Message sent",
	}, http.StatusOK)
}

// handleQRCode renders the pending QR code.
// GET /qrcode, GET /qrcode?format=png
func (s *Server) handleQRCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		SendJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code, ok := s.conn.QRCode()
	if !ok {
		SendJSONError(w, "QR code not available", http.StatusNotFound)
		return
	}

	if r.URL.Query().Get("format") == "png" {
		png, err := qr.PNG(code, qr.DefaultSize)
		if err != nil {
			SendJSONError(w, fmt.Sprintf("Failed to render QR code: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(png)
		return
	}

	dataURL, err := qr.DataURL(code)
	if err != nil {
		SendJSONError(w, fmt.Sprintf("Failed to render QR code: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	fmt.Fprintf(w, `<img src="%s" alt="QR Code" />`, dataURL)
}

// handleStatus reports the connection lifecycle. No auth required.
// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		SendJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := s.conn.Status()
	w.Header().Set("Cache-Control", "no-store")
	sendJSON(w, types.StatusResponse{
		Success:          true,
		Connected:        st.Connected,
		QRAvailable:      st.QRAvailable,
		SessionExists:    st.SessionExists,
		Phase:            st.Phase.String(),
		RetryCount:       st.RetryCount,
		RetriesExhausted: st.RetriesExhausted,
	}, http.StatusOK)
}

// handleReset discards the session and starts over.
// POST /reset
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		SendJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := s.conn.Reset(r.Context())
	security.LogConnectionReset(clientIP(r), "reset", err)
	if err != nil {
		s.logger.Errorf("Reset failed: %v", err)
		SendError(w, err)
		return
	}
	SendJSONSuccess(w, nil, "Session reset. Request a pairing code or scan the new QR code")
}

// handleLogout signs the account out and resets.
// POST /logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		SendJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := s.conn.Logout(r.Context())
	security.LogConnectionReset(clientIP(r), "logout", err)
	if err != nil {
		s.logger.Errorf("Logout failed: %v", err)
		SendError(w, err)
		return
	}
	SendJSONSuccess(w, nil, "Logged out. Request a pairing code or scan the new QR code")
}

// handleGetSession returns the raw credential for re-injection.
// GET /get-session
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		SendJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	blob, ok := s.conn.Session()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("No active session"))
		return
	}

	security.LogSessionExported(clientIP(r), r.URL.Path)
	_, _ = w.Write(blob)
}

// handleDebugSession describes the credential without exposing it.
// GET /debug-session
func (s *Server) handleDebugSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		SendJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.conn.Snapshot()
	resp := types.DebugSessionResponse{
		Success:      true,
		HasSession:   snap.SessionExists,
		Size:         snap.CredentialSize,
		Connected:    snap.Connected,
		QRAvailable:  snap.QRAvailable,
		Phase:        snap.Phase.String(),
		InstanceID:   snap.InstanceID,
		RetryCount:   snap.RetryCount,
		MaxRetries:   snap.MaxRetries,
		RetryPending: snap.RetryPending,
		LastReason:   snap.LastReason,
	}
	if !snap.LastEventAt.IsZero() {
		at := snap.LastEventAt
		resp.LastEventAt = &at
	}
	if blob, ok := s.conn.Session(); ok {
		resp.DataType, resp.Keys = describeCredential(blob)
	}

	if s.events != nil {
		events, err := s.events.RecentConnectionEvents(r.Context(), recentEventLimit)
		if err != nil {
			s.logger.Warnf("Failed to load connection events: %v", err)
		}
		resp.RecentEvents = events
	}

	w.Header().Set("Cache-Control", "no-store")
	sendJSON(w, resp, http.StatusOK)
}

// describeCredential reports the credential encoding and, for JSON objects,
// its top-level keys in sorted order.
func describeCredential(blob []byte) (string, []string) {
	if !json.Valid(blob) {
		return "binary", nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(blob, &fields); err != nil {
		return "json", nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return "json", keys
}

// handleHealth returns 200 if connected, 503 if not. No auth required.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		SendJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := s.conn.Status()
	resp := types.HealthResponse{
		Status:    "ok",
		Connected: st.Connected,
		Phase:     st.Phase.String(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
	}
	code := http.StatusOK
	if !st.Connected {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	sendJSON(w, resp, code)
}

// handleIndex serves the status page.
// GET /
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		SendJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTemplate.Execute(w, indexData{
		ExposeSession: s.cfg.ExposeSession,
		AuthRequired:  s.cfg.APIKey != "" && !s.cfg.DisableAuthCheck,
		PollInterval:  statusPollInterval.Milliseconds(),
	})
	if err != nil {
		s.logger.Errorf("Failed to render status page: %v", err)
	}
}
