package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: User & auth errors
// 12000-12999: Problem errors
// 13000-13999: Submission & Judge errors
// 14000-14999: Scoring errors
// 17000-17999: External platform sync errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Storage errors (10250-10299)
	StorageError ErrorCode = 10250

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10303

	// ========== User & Auth (11000-11999) ==========

	UserNotFound ErrorCode = 11001
	TokenExpired ErrorCode = 11003
	TokenInvalid ErrorCode = 11004

	// ========== Problem (12000-12999) ==========

	ProblemNotFound ErrorCode = 12000

	// ========== Submission & Judge (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound   ErrorCode = 13000
	LanguageNotSupported ErrorCode = 13003

	// Judge (13100-13199)
	JudgeQueueFull       ErrorCode = 13100
	JudgeSystemError     ErrorCode = 13101
	JudgeClientMissing   ErrorCode = 13102
	JudgeBackendMissing  ErrorCode = 13103
	JudgeOutputMalformed ErrorCode = 13104

	// ========== Scoring (14000-14999) ==========

	AwardFailed ErrorCode = 14000

	// ========== External platform sync (17000-17999) ==========

	ExternalAPIError      ErrorCode = 17000
	ExternalAPITimeout    ErrorCode = 17001
	ExternalHandleMissing ErrorCode = 17002
	SyncInProgress        ErrorCode = 17003
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache & storage
	CacheError:   "Cache operation failed",
	LockFailed:   "Failed to acquire lock",
	StorageError: "Object storage operation failed",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	// User
	UserNotFound: "User not found",
	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",

	// Problem
	ProblemNotFound: "Problem not found",

	// Submission
	SubmissionNotFound:   "Submission not found",
	LanguageNotSupported: "Programming language not supported",

	// Judge
	JudgeQueueFull:       "Judge queue is full, please try again later",
	JudgeSystemError:     "Judge system error",
	JudgeClientMissing:   "Judge client is not installed",
	JudgeBackendMissing:  "No judge backend for this platform",
	JudgeOutputMalformed: "Judge output could not be parsed",

	// Scoring
	AwardFailed: "Score award failed",

	// External sync
	ExternalAPIError:      "External platform request failed",
	ExternalAPITimeout:    "External platform request timed out",
	ExternalHandleMissing: "External handle is not set",
	SyncInProgress:        "A sync for this user is already running",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == RecordNotFound, c == UserNotFound, c == ProblemNotFound, c == SubmissionNotFound:
		return 404
	case c == SyncInProgress, c == RecordAlreadyExists:
		return 409
	case c == ExternalHandleMissing:
		return 422
	case c == TooManyRequests, c == JudgeQueueFull:
		return 429
	case c == ExternalAPIError:
		return 502
	case c == ServiceUnavailable:
		return 503
	case c == ExternalAPITimeout, c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams:
		return 400
	default:
		return 500
	}
}
