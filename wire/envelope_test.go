package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmissionRoundTrip(t *testing.T) {
	payload, err := Marshal([]byte("user computation"))
	require.NoError(t, err)
	taskCtx, err := Marshal(map[string]any{"mode": "echo", "depth": 3})
	require.NoError(t, err)
	enabled := true

	sub := &Submission{
		Type:            MessageTypeSubmit,
		TaskID:          "T1",
		Payload:         payload,
		Context:         taskCtx,
		EnableBenchmark: &enabled,
	}
	frame, err := EncodeSubmission(sub)
	require.NoError(t, err)

	got, err := DecodeSubmission(frame)
	require.NoError(t, err)
	assert.Equal(t, "T1", got.TaskID)
	// Opaque fields must survive byte-for-byte; the daemon never re-encodes
	// them.
	assert.Equal(t, []byte(payload), []byte(got.Payload))
	assert.Equal(t, []byte(taskCtx), []byte(got.Context))
	require.NotNil(t, got.EnableBenchmark)
	assert.True(t, *got.EnableBenchmark)
}

func TestSubmissionUnknownKeysIgnored(t *testing.T) {
	frame, err := Marshal(map[string]any{
		"type":        MessageTypeSubmit,
		"task_id":     "T2",
		"payload":     []byte("p"),
		"retry_count": 7,
		"trace":       map[string]any{"span": "abc"},
	})
	require.NoError(t, err)

	sub, err := DecodeSubmission(frame)
	require.NoError(t, err)
	assert.Equal(t, "T2", sub.TaskID)
}

func TestDecodeSubmissionErrors(t *testing.T) {
	for name, tc := range map[string]struct {
		envelope map[string]any
		wantErr  error
	}{
		"wrong type":    {map[string]any{"type": "cancel", "task_id": "T"}, ErrNotSubmit},
		"missing type":  {map[string]any{"task_id": "T"}, ErrNotSubmit},
		"no task id":    {map[string]any{"type": "submit"}, ErrMissingTaskID},
		"empty task id": {map[string]any{"type": "submit", "task_id": ""}, ErrMissingTaskID},
	} {
		t.Run(name, func(t *testing.T) {
			frame, err := Marshal(tc.envelope)
			require.NoError(t, err)
			_, err = DecodeSubmission(frame)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestDecodeSubmissionGarbage(t *testing.T) {
	_, err := DecodeSubmission([]byte{0xff, 0x01, 0x02})
	require.Error(t, err)
}

func TestResponseRoundTrip(t *testing.T) {
	result, err := Marshal("it worked")
	require.NoError(t, err)
	resp := &Response{OK: true, TaskID: "T1", Result: result}

	frame, err := EncodeResponse(resp)
	require.NoError(t, err)
	got, err := DecodeResponse(frame)
	require.NoError(t, err)
	assert.True(t, got.OK)
	assert.Equal(t, "T1", got.TaskID)
	assert.Equal(t, []byte(result), []byte(got.Result))
}

// Decoding then re-encoding a response must reproduce the original bytes;
// the canonical encoding makes key order deterministic.
func TestResponseReEncodeStable(t *testing.T) {
	bench, err := Marshal(map[string]int64{"duration_us": 42})
	require.NoError(t, err)
	result, err := Marshal([]byte{1, 2, 3})
	require.NoError(t, err)

	original, err := EncodeResponse(&Response{
		OK:        true,
		TaskID:    "T9",
		Result:    result,
		Benchmark: bench,
	})
	require.NoError(t, err)

	decoded, err := DecodeResponse(original)
	require.NoError(t, err)
	reencoded, err := EncodeResponse(decoded)
	require.NoError(t, err)
	assert.Equal(t, original, reencoded)
}

func TestDecodeResponseErrors(t *testing.T) {
	for name, envelope := range map[string]map[string]any{
		"no task id":           {"ok": true},
		"failure with no error": {"ok": false, "task_id": "T"},
	} {
		t.Run(name, func(t *testing.T) {
			frame, err := Marshal(envelope)
			require.NoError(t, err)
			_, err = DecodeResponse(frame)
			assert.ErrorIs(t, err, ErrBadResponse)
		})
	}
}

func TestRecoverTaskID(t *testing.T) {
	frame, err := Marshal(map[string]any{"type": "bogus", "task_id": "T7"})
	require.NoError(t, err)
	assert.Equal(t, "T7", RecoverTaskID(frame))

	frame, err = Marshal(map[string]any{"type": "submit"})
	require.NoError(t, err)
	assert.Equal(t, "", RecoverTaskID(frame))

	assert.Equal(t, "", RecoverTaskID([]byte{0xff}))

	frame, err = Marshal(map[string]any{"task_id": 12})
	require.NoError(t, err)
	assert.Equal(t, "", RecoverTaskID(frame))
}
