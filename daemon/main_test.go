package daemon

import (
	"os"
	"testing"

	"github.com/parallite/parallite/internal/testworker"
)

func TestMain(m *testing.M) {
	// When re-executed with the testworker env set, this binary becomes the
	// executor. Setting the env here makes every worker the daemon spawns
	// during tests (os.Args[0]) behave as one.
	testworker.Main()
	os.Setenv(testworker.EnvRun, "1")
	os.Exit(m.Run())
}
