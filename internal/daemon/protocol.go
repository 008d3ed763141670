package daemon

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Message types exchanged between host and daemon.
const (
	// MsgInit is the first host→daemon frame.
	MsgInit = "init"
	// MsgHello is the daemon's answer to init.
	MsgHello = "hello"
	// MsgExecute asks the daemon to run one work item.
	MsgExecute = "execute"
	// MsgLog carries one log line while an item runs.
	MsgLog = "log"
	// MsgResult ends an item.
	MsgResult = "result"
	// MsgStop asks the daemon to exit.
	MsgStop = "stop"
)

// InitRequest configures a freshly started daemon.
type InitRequest struct {
	WorkerID  string   `json:"worker_id"`
	Classpath []string `json:"classpath"`
}

// Hello is the daemon's handshake response.
type Hello struct {
	WorkerID string   `json:"worker_id"`
	PID      int      `json:"pid"`
	Modules  []string `json:"modules"`
}

// ExecuteRequest is the payload of an execute frame.
type ExecuteRequest struct {
	ItemID      string          `json:"item_id"`
	OperationID string          `json:"operation_id"`
	Action      string          `json:"action"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ExecuteResult is the payload of a result frame. A non-empty Error means
// the action failed; the daemon itself is still healthy.
type ExecuteResult struct {
	ItemID     string          `json:"item_id"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int             `json:"duration_ms"`
}

// Envelope wraps every frame on the channel.
type Envelope struct {
	Type    string          `json:"type"`
	Init    *InitRequest    `json:"init,omitempty"`
	Hello   *Hello          `json:"hello,omitempty"`
	Request *ExecuteRequest `json:"request,omitempty"`
	Line    string          `json:"line,omitempty"`
	Result  *ExecuteResult  `json:"result,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// One write per frame keeps frames intact on message-oriented transports.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
