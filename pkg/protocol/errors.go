package protocol

import (
	"encoding/json"
	"fmt"
)

const neoErrorCommand = "neo_error"

// ServerError is a failure envelope reported by the service where a success
// frame was expected. The engine passes it through without interpreting it.
//
//	var serverErr *protocol.ServerError
//	if errors.As(err, &serverErr) { ... serverErr.Raw ... }
type ServerError struct {
	Code    int
	Message string
	Raw     []byte
}

func (e *ServerError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
	}
	return "server error: " + e.Message
}

func detectServerError(data []byte) *ServerError {
	var probe struct {
		Error   json.RawMessage `json:"error"`
		Command string          `json:"command"`
		Comment string          `json:"comment"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil
	}

	if probe.Command == neoErrorCommand {
		return &ServerError{Message: probe.Comment, Raw: data}
	}

	if len(probe.Error) == 0 || string(probe.Error) == "null" {
		return nil
	}

	var structured struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(probe.Error, &structured); err == nil {
		return &ServerError{Code: structured.Code, Message: structured.Message, Raw: data}
	}

	var text string
	if err := json.Unmarshal(probe.Error, &text); err == nil {
		return &ServerError{Message: text, Raw: data}
	}
	return &ServerError{Message: string(probe.Error), Raw: data}
}
