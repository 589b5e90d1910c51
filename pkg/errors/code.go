package errors

// ErrorCode represents a unique error identifier.
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & common errors
// 13000-13999: Per-test verdict errors (non-fatal; flow into the judge log as data)
// 17000-17999: Invocation pipeline faults (mostly request-fatal; see Fatal)

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Forbidden           ErrorCode = 10005
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202
	LockFailed     ErrorCode = 10203

	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Per-test verdict codes (13000-13999) ==========
	// These never propagate as Go errors; they are status codes attached to
	// a JudgeLogTestRow. Kept here only as the string constants the pipeline
	// assigns to Status.Code.

	// (string constants live in internal/model; this range is reserved)

	// ========== Invocation pipeline faults (17000-17999) ==========

	JudgeQueueFull        ErrorCode = 17000
	SandboxSetup          ErrorCode = 17001
	SpawnSystem           ErrorCode = 17002
	SpawnUser             ErrorCode = 17003
	BadConfig             ErrorCode = 17004
	ToolchainUnavailable  ErrorCode = 17005
	AssetUnavailable      ErrorCode = 17006
	JudgeFault            ErrorCode = 17007
	ProtocolViolation     ErrorCode = 17008
	WorkspaceIOError      ErrorCode = 17009
	CheckerMalfunction    ErrorCode = 17010
	ValuerCrashed         ErrorCode = 17011
	ConfigurationConflict ErrorCode = 17012
)

// errorMessages maps error codes to their default English messages.
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Forbidden:           "Access forbidden",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",
	LockFailed:     "Failed to acquire lock",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	JudgeQueueFull:        "worker pool is full",
	SandboxSetup:          "sandbox setup failed",
	SpawnSystem:           "sandbox spawn failed (system)",
	SpawnUser:             "sandbox spawn rejected (user command)",
	BadConfig:             "bad toolchain or command-template configuration",
	ToolchainUnavailable:  "toolchain image unavailable",
	AssetUnavailable:      "problem asset unavailable",
	JudgeFault:            "judge fault",
	ProtocolViolation:     "valuer protocol violation",
	WorkspaceIOError:      "workspace IO error",
	CheckerMalfunction:    "checker produced no parseable verdict",
	ValuerCrashed:         "valuer process terminated unexpectedly",
	ConfigurationConflict: "conflicting core configuration",
}

// Message returns the default message for the error code.
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "unknown error"
}

// Fatal reports whether the code lies in the invocation-pipeline range
// (17000-17999). Most codes in that range terminate a judge request with
// outcome Fault; the exceptions are SpawnUser (and BadConfig raised while
// spawning a test run), which the pipeline records as a LAUNCH_ERROR
// verdict, and JudgeQueueFull, which is a worker-pool signal not tied to
// any request.
func (c ErrorCode) Fatal() bool {
	return c >= 17000 && c < 18000
}
