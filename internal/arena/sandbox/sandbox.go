// Package sandbox starts driver and algorithm programs with their standard
// streams bound to a pair of named pipes, optionally under rlimits, a seccomp
// filter, namespaces and a cgroup, and reports their resource usage.
package sandbox

import (
	"context"
	"io"

	appErr "arena/pkg/errors"
	"arena/pkg/protocol/wire"
)

// Limits are hard limits applied to a started program. Zero means unlimited.
type Limits struct {
	CPUTimeMs  int64 `yaml:"cpuTimeMs" json:"CPUTimeMs"`
	WallTimeMs int64 `yaml:"wallTimeMs" json:"WallTimeMs"`
	MemoryMB   int64 `yaml:"memoryMB" json:"MemoryMB"`
	StackMB    int64 `yaml:"stackMB" json:"StackMB"`
	PIDs       int64 `yaml:"pids" json:"PIDs"`
}

// Config controls how programs are started.
type Config struct {
	// HelperPath is the arena-sandbox binary. Empty starts programs directly
	// through /bin/sh without isolation.
	HelperPath       string `yaml:"helperPath"`
	SeccompProfile   string `yaml:"seccompProfile"`
	EnableSeccomp    bool   `yaml:"enableSeccomp"`
	EnableCgroup     bool   `yaml:"enableCgroup"`
	CgroupRoot       string `yaml:"cgroupRoot"`
	EnableNamespaces bool   `yaml:"enableNamespaces"`
}

// Spec describes one program to start.
type Spec struct {
	ID      int
	Name    string
	Program string
	Args    []string
	// Dir is the working directory, normally the sandbox directory.
	Dir string
	// StdinPath and StdoutPath are opened by the child, in that order, and
	// become its standard input and output.
	StdinPath  string
	StdoutPath string
	Stderr     io.Writer
	Env        []string
	Limits     Limits
	// Isolate applies the seccomp filter and namespaces. Drivers are trusted
	// and run without them.
	Isolate bool
}

func (s Spec) validate() error {
	if s.Program == "" {
		return appErr.ValidationError("program", "required")
	}
	if s.StdinPath == "" || s.StdoutPath == "" {
		return appErr.ValidationError("streams", "stdin and stdout paths are required")
	}
	if s.Dir == "" {
		return appErr.ValidationError("dir", "required")
	}
	return nil
}

// Exit describes how a program ended.
type Exit struct {
	Code      int                `json:"exit_code"`
	Signal    string             `json:"signal,omitempty"`
	Usage     wire.ResourceUsage `json:"usage"`
	OOMKilled bool               `json:"oom_killed,omitempty"`
	TimedOut  bool               `json:"timed_out,omitempty"`
}

// Handle is a started program.
type Handle interface {
	Pid() int
	// Done is closed once the program has exited and been reaped.
	Done() <-chan struct{}
	// Wait blocks until the program exits.
	Wait() Exit
	// Kill terminates the program and everything it started.
	Kill() error
	// Usage reports the resources consumed so far. It never blocks on the
	// program and is valid both while it runs and after it exits.
	Usage() wire.ResourceUsage
}

// Executor starts programs.
type Executor interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
}
