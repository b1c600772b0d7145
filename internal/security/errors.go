package security

import (
	"encoding/json"
	"io"
	"time"
)

type errorBody struct {
	Error struct {
		Message string   `json:"message"`
		Type    string   `json:"type"`
		Code    int      `json:"code"`
		Details []string `json:"details,omitempty"`
	} `json:"error"`
	Timestamp int64 `json:"timestamp"`
}

func writeErrorBody(w io.Writer, status int, errType, message string, details ...string) {
	var body errorBody
	body.Error.Message = message
	body.Error.Type = errType
	body.Error.Code = status
	body.Error.Details = details
	body.Timestamp = time.Now().Unix()
	_ = json.NewEncoder(w).Encode(body)
}
