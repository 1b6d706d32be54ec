package wire

import (
	"errors"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// MessageTypeSubmit is the only submission type currently defined. The field
// exists so that future message kinds can share the envelope.
const MessageTypeSubmit = "submit"

var (
	ErrNotSubmit     = errors.New("envelope type is not submit")
	ErrMissingTaskID = errors.New("envelope has no task_id")
	ErrBadResponse   = errors.New("malformed response envelope")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v with the canonical encoding used on all streams.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes data produced by Marshal or by any CBOR encoder.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// Submission is the client->daemon envelope. Payload and Context are opaque
// to the daemon and are forwarded to the worker verbatim. Unknown top-level
// keys are ignored on decode.
type Submission struct {
	Type            string          `cbor:"type"`
	TaskID          string          `cbor:"task_id"`
	Payload         cbor.RawMessage `cbor:"payload,omitempty"`
	Context         cbor.RawMessage `cbor:"context,omitempty"`
	EnableBenchmark *bool           `cbor:"enable_benchmark,omitempty"`
}

// Response is the daemon->client and worker->daemon envelope. The daemon
// forwards well-formed worker response frames to clients byte-for-byte, so
// keys it does not model survive the trip; this struct is what the daemon
// itself decodes for validation and encodes for synthesized failures.
type Response struct {
	OK        bool            `cbor:"ok"`
	TaskID    string          `cbor:"task_id"`
	Result    cbor.RawMessage `cbor:"result,omitempty"`
	Error     string          `cbor:"error,omitempty"`
	Benchmark cbor.RawMessage `cbor:"benchmark,omitempty"`
}

// EncodeSubmission serializes s for framing.
func EncodeSubmission(s *Submission) ([]byte, error) {
	b, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding submission: %w", err)
	}
	return b, nil
}

// DecodeSubmission parses and validates one submission envelope.
func DecodeSubmission(data []byte) (*Submission, error) {
	var s Submission
	if err := decMode.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding submission: %w", err)
	}
	if s.Type != MessageTypeSubmit {
		return nil, fmt.Errorf("type %q: %w", s.Type, ErrNotSubmit)
	}
	if s.TaskID == "" {
		return nil, ErrMissingTaskID
	}
	return &s, nil
}

// EncodeResponse serializes r for framing.
func EncodeResponse(r *Response) ([]byte, error) {
	b, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return b, nil
}

// DecodeResponse parses and validates one response envelope. A response must
// carry a task_id and, when ok is false, an error string.
func DecodeResponse(data []byte) (*Response, error) {
	var r Response
	if err := decMode.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if r.TaskID == "" {
		return nil, fmt.Errorf("response has no task_id: %w", ErrBadResponse)
	}
	if !r.OK && r.Error == "" {
		return nil, fmt.Errorf("failed response has no error: %w", ErrBadResponse)
	}
	return &r, nil
}

// RecoverTaskID extracts task_id from an envelope that failed structural
// validation, so the listener can address a best-effort error response.
// Returns "" when the bytes are not a map or carry no string task_id.
func RecoverTaskID(data []byte) string {
	var m map[string]cbor.RawMessage
	if err := decMode.Unmarshal(data, &m); err != nil {
		return ""
	}
	raw, ok := m["task_id"]
	if !ok {
		return ""
	}
	var id string
	if err := decMode.Unmarshal(raw, &id); err != nil {
		return ""
	}
	return id
}
