package presence

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic API response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`

	// Status is the HTTP status the envelope arrived with. Not part of the
	// wire format; set by the client so callers can classify 4xx vs 5xx.
	Status int `json:"-"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Attendance Types
// ============================================================================

// CheckinPayload carries the data needed to record an attendance check-in.
type CheckinPayload struct {
	SessionID string   `json:"sessionId"`
	StudentID string   `json:"studentId"`
	Token     string   `json:"token,omitempty"`
	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lng,omitempty"`
}

// checkinRequest is the wire shape of the replay endpoint body.
type checkinRequest struct {
	CheckinPayload
	Method string `json:"method"`
}

// QueuedAction is a check-in captured while offline, awaiting replay.
type QueuedAction struct {
	ID         string         `json:"id"`
	Payload    CheckinPayload `json:"payload"`
	Method     string         `json:"method"`
	CreatedAt  time.Time      `json:"createdAt"`
	RetryCount int            `json:"retryCount"`
}

// Replayable reports whether the action carries the minimum data needed to
// ever succeed against the replay endpoint. Offline QR captures must also
// carry the capture token issued at scan time.
func (a *QueuedAction) Replayable() bool {
	if a.Payload.SessionID == "" || a.Payload.StudentID == "" {
		return false
	}
	if a.Method == MethodQROffline && a.Payload.Token == "" {
		return false
	}
	return true
}

// Capture method values recorded on queued actions.
const (
	MethodQR        = "qr"
	MethodQROffline = "qr_offline"
)
