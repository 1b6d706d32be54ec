// Package testworker implements the stdio executor used by tests. Behavior
// is driven per task through the submission's context map, so one executor
// binary covers echo, sleep, crash, and malformed-response scenarios:
//
//	{"mode": "echo"}                  echo payload back as result (default)
//	{"mode": "pid"}                   report the worker's own pid as result
//	{"mode": "crash"}                 exit without responding
//	{"mode": "garbage"}               respond with a non-envelope frame
//	{"mode": "ignore-stdin-close"}    keep running after stdin closes
//	{"sleep_ms": N}                   sleep before acting, any mode
//
// Test packages run it by re-executing the test binary with
// EnvRun set; see Main.
package testworker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parallite/parallite/wire"
)

// EnvRun makes the test binary behave as the executor when set to 1.
const EnvRun = "PARALLITE_TESTWORKER"

// Main is called from TestMain; when EnvRun is set the process becomes the
// executor and never returns.
func Main() {
	if os.Getenv(EnvRun) != "1" {
		return
	}
	os.Exit(Run(os.Stdin, os.Stdout))
}

type taskContext struct {
	Mode    string `cbor:"mode"`
	SleepMS int64  `cbor:"sleep_ms"`
}

// Run serves framed submissions until stdin closes. Exit code 0 on clean
// EOF, 1 on protocol errors, 3 on a requested crash.
func Run(stdin io.Reader, stdout io.Writer) int {
	in := bufio.NewReader(stdin)
	ignoreStdinClose := false
	for {
		frame, err := wire.ReadFrame(in, wire.DefaultMaxPayloadBytes)
		if err == io.EOF {
			if ignoreStdinClose {
				// Simulates a wedged executor that has to be signaled.
				time.Sleep(time.Hour)
			}
			return 0
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading request: %s\n", err)
			return 1
		}
		sub, err := wire.DecodeSubmission(frame)
		if err != nil {
			fmt.Fprintf(os.Stderr, "decoding request: %s\n", err)
			return 1
		}

		var tc taskContext
		if len(sub.Context) > 0 {
			if err := wire.Unmarshal(sub.Context, &tc); err != nil {
				fmt.Fprintf(os.Stderr, "decoding task context: %s\n", err)
				return 1
			}
		}
		if tc.SleepMS > 0 {
			time.Sleep(time.Duration(tc.SleepMS) * time.Millisecond)
		}

		var result any
		switch tc.Mode {
		case "crash":
			fmt.Fprintln(os.Stderr, "crashing on request")
			return 3
		case "garbage":
			if err := wire.WriteFrame(stdout, []byte{0xff, 0x00, 0xff}); err != nil {
				return 1
			}
			continue
		case "ignore-stdin-close":
			ignoreStdinClose = true
			result = "armed"
		case "pid":
			result = os.Getpid()
		default:
			// echo
		}

		resp := &wire.Response{OK: true, TaskID: sub.TaskID}
		if result != nil {
			raw, err := wire.Marshal(result)
			if err != nil {
				return 1
			}
			resp.Result = raw
		} else {
			resp.Result = sub.Payload
		}

		out, err := wire.EncodeResponse(resp)
		if err != nil {
			return 1
		}
		if err := wire.WriteFrame(stdout, out); err != nil {
			fmt.Fprintf(os.Stderr, "writing response: %s\n", err)
			return 1
		}
	}
}
