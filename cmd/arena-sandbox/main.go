//go:build linux

// Command arena-sandbox confines one driver or algorithm program and execs
// it. It reads a sandbox.InitRequest as JSON on standard input, opens the
// process pipes as its standard streams and applies the requested limits.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"arena/internal/arena/sandbox"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "arena-sandbox:", err.Error())
		os.Exit(1)
	}
}

func run() error {
	req, err := decodeRequest(os.Stdin)
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}
	if req.EnableNs {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make mount private: %w", err)
		}
	}
	if err := os.Chdir(req.Dir); err != nil {
		return fmt.Errorf("chdir sandbox dir: %w", err)
	}
	if err := applyRlimits(req.Limits); err != nil {
		return err
	}
	// The parent opens the downward pipe for writing first, so stdin must
	// be opened before stdout or both sides block forever.
	if err := redirectIO(req.StdinPath, req.StdoutPath); err != nil {
		return err
	}

	cmdPath, err := exec.LookPath(req.Program)
	if err != nil {
		return fmt.Errorf("resolve program: %w", err)
	}
	if req.EnableSeccomp {
		if err := applySeccomp(req.SeccompProfile); err != nil {
			return err
		}
	}
	argv := append([]string{req.Program}, req.Args...)
	return unix.Exec(cmdPath, argv, buildEnv(req.Env))
}

func decodeRequest(r io.Reader) (sandbox.InitRequest, error) {
	var req sandbox.InitRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return sandbox.InitRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req sandbox.InitRequest) error {
	if req.Program == "" {
		return fmt.Errorf("program is required")
	}
	if req.Dir == "" {
		return fmt.Errorf("sandbox dir is required")
	}
	if req.StdinPath == "" || req.StdoutPath == "" {
		return fmt.Errorf("stdin and stdout pipes are required")
	}
	return nil
}

func applyRlimits(limits sandbox.Limits) error {
	if limits.CPUTimeMs > 0 {
		seconds := uint64((limits.CPUTimeMs + 999) / 1000)
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: seconds, Max: seconds + 1}); err != nil {
			return fmt.Errorf("set rlimit cpu: %w", err)
		}
	}
	if limits.MemoryMB > 0 {
		bytes := uint64(limits.MemoryMB * 1024 * 1024)
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: bytes, Max: bytes}); err != nil {
			return fmt.Errorf("set rlimit as: %w", err)
		}
	}
	if limits.StackMB > 0 {
		bytes := uint64(limits.StackMB * 1024 * 1024)
		if err := unix.Setrlimit(unix.RLIMIT_STACK, &unix.Rlimit{Cur: bytes, Max: bytes}); err != nil {
			return fmt.Errorf("set rlimit stack: %w", err)
		}
	}
	if limits.PIDs > 0 {
		val := uint64(limits.PIDs)
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: val, Max: val}); err != nil {
			return fmt.Errorf("set rlimit nproc: %w", err)
		}
	}
	return nil
}

func redirectIO(stdinPath, stdoutPath string) error {
	stdinFile, err := os.OpenFile(stdinPath, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open stdin pipe: %w", err)
	}
	stdoutFile, err := os.OpenFile(stdoutPath, os.O_WRONLY, 0)
	if err != nil {
		_ = stdinFile.Close()
		return fmt.Errorf("open stdout pipe: %w", err)
	}
	if err := unix.Dup2(int(stdinFile.Fd()), int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("dup stdin: %w", err)
	}
	if err := unix.Dup2(int(stdoutFile.Fd()), int(os.Stdout.Fd())); err != nil {
		return fmt.Errorf("dup stdout: %w", err)
	}
	_ = stdinFile.Close()
	_ = stdoutFile.Close()
	return nil
}

func buildEnv(env []string) []string {
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			return env
		}
	}
	return append(env, "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
}

// deniedSyscalls kill an algorithm when no profile is configured.
var deniedSyscalls = []string{
	"socket", "connect", "bind", "listen", "accept", "accept4",
	"ptrace", "process_vm_readv", "process_vm_writev",
	"mount", "umount2", "pivot_root", "chroot", "setns", "unshare",
	"reboot", "kexec_load", "init_module", "finit_module", "delete_module",
}

func applySeccomp(profilePath string) error {
	cfg := seccompConfig{
		DefaultAction: "SCMP_ACT_ALLOW",
		Syscalls:      []seccompSyscall{{Names: deniedSyscalls, Action: "SCMP_ACT_KILL_PROCESS"}},
	}
	if profilePath != "" {
		data, err := os.ReadFile(profilePath)
		if err != nil {
			return fmt.Errorf("read seccomp profile: %w", err)
		}
		cfg = seccompConfig{}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse seccomp profile: %w", err)
		}
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Not present on this architecture.
				continue
			}
			if err := filter.AddRule(call, action); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
