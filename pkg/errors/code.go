package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20099: Process lifecycle errors
// 20100-20199: Protocol errors
// 20200-20299: Judged outcomes reported by the algorithm side
// 20300-20399: Auxiliary file and storage errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// General errors (10001-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Timeout             ErrorCode = 10008

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300
	InvalidFormat    ErrorCode = 10301
	ConfigInvalid    ErrorCode = 10304

	// ========== Process Errors (20000-20099) ==========

	ProcessSpawnError   ErrorCode = 20000
	UnknownProcessError ErrorCode = 20001
	ProcessStateInvalid ErrorCode = 20002
	ProcessIOError      ErrorCode = 20003

	// ========== Protocol Errors (20100-20199) ==========

	ProtocolDesyncError     ErrorCode = 20100
	CallbackIndexOutOfRange ErrorCode = 20101
	UnknownFunction         ErrorCode = 20102
	PairBusy                ErrorCode = 20103

	// ========== Judged Outcomes (20200-20299) ==========

	AlgorithmRuntimeError ErrorCode = 20200
	TimeLimitExceeded     ErrorCode = 20201
	MemoryLimitExceeded   ErrorCode = 20202
	WrongAnswer           ErrorCode = 20203

	// ========== Files & Storage (20300-20399) ==========

	ReadFileNotFound ErrorCode = 20300
	StorageError     ErrorCode = 20301
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Timeout:             "Operation timed out",

	// Validation
	ValidationFailed: "Validation failed",
	InvalidFormat:    "Invalid format",
	ConfigInvalid:    "Invalid configuration",

	// Process
	ProcessSpawnError:   "Failed to spawn process",
	UnknownProcessError: "Unknown or terminated process",
	ProcessStateInvalid: "Operation not allowed in current process state",
	ProcessIOError:      "Process stream closed unexpectedly",

	// Protocol
	ProtocolDesyncError:     "Protocol out of sync",
	CallbackIndexOutOfRange: "Callback index out of range",
	UnknownFunction:         "Unknown function",
	PairBusy:                "Process pair already has a call outstanding",

	// Judged outcomes
	AlgorithmRuntimeError: "Algorithm terminated abnormally",
	TimeLimitExceeded:     "Time limit exceeded",
	MemoryLimitExceeded:   "Memory limit exceeded",
	WrongAnswer:           "Wrong answer",

	// Files & Storage
	ReadFileNotFound: "Read file not found",
	StorageError:     "Object storage operation failed",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Fatal reports whether the error terminates the evaluation that observed it.
// Judged outcomes are not fatal: they become a normal result for the caller.
func (c ErrorCode) Fatal() bool {
	switch {
	case c == Success:
		return false
	case c >= 20200 && c < 20300:
		return false
	default:
		return true
	}
}

// ExitCode maps an error code to a process exit status for the command surface.
func (c ErrorCode) ExitCode() int {
	switch {
	case c == Success:
		return 0
	case c == InvalidParams, c == ConfigInvalid, c >= 10300 && c < 10400:
		return 2
	case c >= 20200 && c < 20300:
		return 0
	default:
		return 1
	}
}
