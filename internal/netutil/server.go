package netutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ServerRes is the JSON envelope of every API response.
type ServerRes struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ServerResponse writes data on success (code < 400) and message as the
// error otherwise.
func ServerResponse(w http.ResponseWriter, code int, message string, data any) {
	sr := ServerRes{}
	if code < 400 {
		sr.Success = true
		sr.Message = message
		sr.Data = data
	} else {
		sr.Error = message
	}
	WriteJSON(w, code, sr)
}

// WriteJSON encodes v with the given status. Headers must be set before
// WriteHeader or they are silently dropped.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

const maxBodyBytes = 1 << 20

// DecodeJSON reads a single JSON object from the request body.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
