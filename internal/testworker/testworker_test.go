package testworker

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallite/parallite/wire"
)

func frameTask(t *testing.T, id string, payload any, taskCtx map[string]any) []byte {
	t.Helper()
	sub := &wire.Submission{Type: wire.MessageTypeSubmit, TaskID: id}
	if payload != nil {
		raw, err := wire.Marshal(payload)
		require.NoError(t, err)
		sub.Payload = raw
	}
	if taskCtx != nil {
		raw, err := wire.Marshal(taskCtx)
		require.NoError(t, err)
		sub.Context = raw
	}
	encoded, err := wire.EncodeSubmission(sub)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, wire.WriteFrame(&buf, encoded))
	return buf.Bytes()
}

func TestRunEchoesPayload(t *testing.T) {
	in := bytes.NewReader(frameTask(t, "T1", []byte("data"), nil))
	var out bytes.Buffer
	assert.Equal(t, 0, Run(in, &out))

	respFrame, err := wire.ReadFrame(&out, 0)
	require.NoError(t, err)
	resp, err := wire.DecodeResponse(respFrame)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "T1", resp.TaskID)

	var echoed []byte
	require.NoError(t, wire.Unmarshal(resp.Result, &echoed))
	assert.Equal(t, []byte("data"), echoed)
}

func TestRunPidMode(t *testing.T) {
	in := bytes.NewReader(frameTask(t, "T1", nil, map[string]any{"mode": "pid"}))
	var out bytes.Buffer
	assert.Equal(t, 0, Run(in, &out))

	respFrame, err := wire.ReadFrame(&out, 0)
	require.NoError(t, err)
	resp, err := wire.DecodeResponse(respFrame)
	require.NoError(t, err)

	var pid int
	require.NoError(t, wire.Unmarshal(resp.Result, &pid))
	assert.Equal(t, os.Getpid(), pid)
}

func TestRunCrashMode(t *testing.T) {
	in := bytes.NewReader(frameTask(t, "T1", nil, map[string]any{"mode": "crash"}))
	var out bytes.Buffer
	assert.Equal(t, 3, Run(in, &out))
	assert.Zero(t, out.Len())
}

func TestRunGarbageMode(t *testing.T) {
	in := bytes.NewReader(frameTask(t, "T1", nil, map[string]any{"mode": "garbage"}))
	var out bytes.Buffer
	assert.Equal(t, 0, Run(in, &out))

	respFrame, err := wire.ReadFrame(&out, 0)
	require.NoError(t, err)
	_, err = wire.DecodeResponse(respFrame)
	assert.Error(t, err)
}

func TestRunServesSequentially(t *testing.T) {
	var in bytes.Buffer
	in.Write(frameTask(t, "T1", []byte("a"), nil))
	in.Write(frameTask(t, "T2", []byte("b"), nil))
	var out bytes.Buffer
	assert.Equal(t, 0, Run(&in, &out))

	for _, want := range []string{"T1", "T2"} {
		respFrame, err := wire.ReadFrame(&out, 0)
		require.NoError(t, err)
		resp, err := wire.DecodeResponse(respFrame)
		require.NoError(t, err)
		assert.Equal(t, want, resp.TaskID)
	}
}
