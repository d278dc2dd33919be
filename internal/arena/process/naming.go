package process

import (
	"fmt"
	"path/filepath"
)

// EnvSandboxDir names the environment variable holding the sandbox
// directory. Every started process runs with it set.
const EnvSandboxDir = "ARENA_SANDBOX_DIR"

// EnvProcessID holds the id of the started process itself.
const EnvProcessID = "ARENA_PROCESS_ID"

// EnvIOTimeout, when set, bounds every read a driver makes on an algorithm's
// upward stream. The value is a Go duration string.
const EnvIOTimeout = "ARENA_IO_TIMEOUT"

// EnvLogLevel passes the supervisor's log level to the runtimes it starts.
const EnvLogLevel = "ARENA_LOG_LEVEL"

// DownwardName is the pipe carrying bytes from the parent to process id.
func DownwardName(id int) string {
	return fmt.Sprintf("process_downward.%d.pipe", id)
}

// UpwardName is the pipe carrying bytes from process id to the parent.
func UpwardName(id int) string {
	return fmt.Sprintf("process_upward.%d.pipe", id)
}

// ReadFileName is the link through which read file id is exposed.
func ReadFileName(id int) string {
	return fmt.Sprintf("read_file.%d.txt", id)
}

// Paths locates the two pipes of a process.
type Paths struct {
	Downward string
	Upward   string
}

// PathsFor returns the pipe paths of process id inside dir.
func PathsFor(dir string, id int) Paths {
	return Paths{
		Downward: filepath.Join(dir, DownwardName(id)),
		Upward:   filepath.Join(dir, UpwardName(id)),
	}
}
