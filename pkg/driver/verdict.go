package driver

import (
	appErr "arena/pkg/errors"
)

// Verdict is the judgement a driver reports through its exit status.
type Verdict string

const (
	Accepted     Verdict = "accepted"
	WrongAnswer  Verdict = "wrong_answer"
	RuntimeError Verdict = "runtime_error"
	TimeLimit    Verdict = "time_limit_exceeded"
	MemoryLimit  Verdict = "memory_limit_exceeded"
	SystemError  Verdict = "system_error"
)

var verdictExitCodes = map[Verdict]int{
	Accepted:     0,
	SystemError:  1,
	WrongAnswer:  10,
	RuntimeError: 11,
	TimeLimit:    12,
	MemoryLimit:  13,
}

// VerdictOf classifies the error a driver finished with.
func VerdictOf(err error) Verdict {
	if err == nil {
		return Accepted
	}
	switch appErr.GetCode(err) {
	case appErr.WrongAnswer:
		return WrongAnswer
	case appErr.AlgorithmRuntimeError:
		return RuntimeError
	case appErr.TimeLimitExceeded:
		return TimeLimit
	case appErr.MemoryLimitExceeded:
		return MemoryLimit
	default:
		return SystemError
	}
}

// ExitCode is the status a driver exits with to report v.
func (v Verdict) ExitCode() int {
	if code, ok := verdictExitCodes[v]; ok {
		return code
	}
	return 1
}

// VerdictFromExit recovers the verdict from a driver's exit status.
func VerdictFromExit(code int) Verdict {
	for v, c := range verdictExitCodes {
		if c == code {
			return v
		}
	}
	return SystemError
}

// Reject returns the error a driver finishes with when the algorithm's
// answer is wrong.
func Reject(format string, args ...interface{}) error {
	return appErr.Newf(appErr.WrongAnswer, format, args...)
}
