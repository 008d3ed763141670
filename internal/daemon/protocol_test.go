package daemon

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/seantiz/anvil/internal/model"
)

func TestWriteReadExecuteRequest(t *testing.T) {
	original := Envelope{
		Type: MsgExecute,
		Request: &ExecuteRequest{
			ItemID:      "01J0000000000000000000000",
			OperationID: "op-1",
			Action:      "echo",
			Parameters:  json.RawMessage(`{"key":"value"}`),
		},
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var decoded Envelope
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if decoded.Type != MsgExecute {
		t.Errorf("Type = %q, want %q", decoded.Type, MsgExecute)
	}
	if decoded.Request == nil {
		t.Fatal("Request is nil")
	}
	if decoded.Request.Action != "echo" {
		t.Errorf("Action = %q, want echo", decoded.Request.Action)
	}
	if string(decoded.Request.Parameters) != `{"key":"value"}` {
		t.Errorf("Parameters = %s", decoded.Request.Parameters)
	}
}

func TestWriteReadResult(t *testing.T) {
	original := Envelope{
		Type:   MsgResult,
		Result: &ExecuteResult{ItemID: "i", Error: "boom", DurationMS: 12},
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	var decoded Envelope
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if decoded.Result == nil || decoded.Result.Error != "boom" || decoded.Result.DurationMS != 12 {
		t.Errorf("Result = %+v", decoded.Result)
	}
	if decoded.Request != nil {
		t.Errorf("Request = %+v, want nil", decoded.Request)
	}
}

// countingWriter records how many Write calls it receives.
type countingWriter struct {
	bytes.Buffer
	writes int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	return w.Buffer.Write(p)
}

func TestWriteMessageSingleWrite(t *testing.T) {
	var w countingWriter
	if err := WriteMessage(&w, &Envelope{Type: MsgLog, Line: "hello"}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if w.writes != 1 {
		t.Errorf("writes = %d, want 1", w.writes)
	}
	length := binary.BigEndian.Uint32(w.Bytes()[:4])
	if int(length) != w.Len()-4 {
		t.Errorf("length prefix = %d, payload = %d", length, w.Len()-4)
	}
}

func TestReadMessageTruncatedLength(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x01})
	var env Envelope
	if err := ReadMessage(buf, &env); err == nil {
		t.Fatal("expected error for truncated length prefix")
	}
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x64}) // length = 100
	buf.Write([]byte{0x7B, 0x7D})

	var env Envelope
	if err := ReadMessage(&buf, &env); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestReadMessageOversized(t *testing.T) {
	var buf bytes.Buffer
	oversize := uint32(MaxMessageSize + 1)
	buf.Write([]byte{
		byte(oversize >> 24), byte(oversize >> 16),
		byte(oversize >> 8), byte(oversize),
	})

	var env Envelope
	if err := ReadMessage(&buf, &env); err == nil {
		t.Fatal("expected error for oversized message")
	}
}

func TestWriteMessageOversized(t *testing.T) {
	big := Envelope{Type: MsgLog, Line: string(make([]byte, MaxMessageSize))}
	var buf bytes.Buffer
	if err := WriteMessage(&buf, &big); err == nil {
		t.Fatal("expected error for oversized message")
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes for rejected message", buf.Len())
	}
}

func TestDaemonEnv(t *testing.T) {
	env := daemonEnv([]string{"PATH=/bin"}, "w1", model.ForkOptions{Env: map[string]string{"B": "2", "A": "1"}, MaxHeapMB: 256})
	want := []string{"PATH=/bin", "ANVIL_WORKER_ID=w1", "GOMEMLIMIT=256MiB", "A=1", "B=2"}
	if len(env) != len(want) {
		t.Fatalf("env = %v, want %v", env, want)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("env[%d] = %q, want %q", i, env[i], want[i])
		}
	}
}
