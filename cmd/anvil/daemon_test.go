package main

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/anvil/internal/daemon"
)

func TestDaemonCommandAcceptsForkArgs(t *testing.T) {
	t.Setenv("ANVIL_LOG_LEVEL", "error")
	var in, out bytes.Buffer
	require.NoError(t, daemon.WriteMessage(&in, &daemon.Envelope{
		Type: daemon.MsgInit,
		Init: &daemon.InitRequest{WorkerID: "w1", Classpath: []string{"core"}},
	}))
	require.NoError(t, daemon.WriteMessage(&in, &daemon.Envelope{Type: daemon.MsgStop}))

	cmd := newRootCmd()
	cmd.SetArgs([]string{daemon.DaemonCommand, "--", "-v", "--mode=strict"})
	cmd.SetIn(&in)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var hello daemon.Envelope
	require.NoError(t, daemon.ReadMessage(&out, &hello))
	assert.Equal(t, daemon.MsgHello, hello.Type)
	require.NotNil(t, hello.Hello)
	assert.Equal(t, "w1", hello.Hello.WorkerID)
}
