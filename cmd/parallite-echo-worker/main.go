// parallite-echo-worker is a reference executor: it reads framed submission
// envelopes from stdin and echoes each payload back as the result. It exists
// to exercise the wire contract end to end; real executors implement the
// same loop around an actual computation runtime.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parallite/parallite/wire"
)

func main() {
	in := bufio.NewReader(os.Stdin)
	for {
		frame, err := wire.ReadFrame(in, wire.DefaultMaxPayloadBytes)
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading request: %s\n", err)
			os.Exit(1)
		}

		start := time.Now()
		sub, err := wire.DecodeSubmission(frame)
		if err != nil {
			fmt.Fprintf(os.Stderr, "decoding request: %s\n", err)
			os.Exit(1)
		}

		resp := &wire.Response{
			OK:     true,
			TaskID: sub.TaskID,
			Result: sub.Payload,
		}
		if sub.EnableBenchmark != nil && *sub.EnableBenchmark {
			bench, err := wire.Marshal(map[string]int64{
				"duration_us": time.Since(start).Microseconds(),
			})
			if err == nil {
				resp.Benchmark = bench
			}
		}

		out, err := wire.EncodeResponse(resp)
		if err != nil {
			fmt.Fprintf(os.Stderr, "encoding response: %s\n", err)
			os.Exit(1)
		}
		if err := wire.WriteFrame(os.Stdout, out); err != nil {
			fmt.Fprintf(os.Stderr, "writing response: %s\n", err)
			os.Exit(1)
		}
	}
}
