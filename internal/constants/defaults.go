package constants

// Default queue configuration values
const (
	DefaultMaxAttempts                  = 5
	DefaultJobTimeoutSec                = 120
	DefaultJobMaxAgeHours               = 24
	DefaultShutdownGraceSec             = 30
	DefaultUploadConcurrency            = 5
	DefaultRetryBackoffMs               = 1000
	DefaultMaxBackoffMs                 = 60000
	DefaultConversationQueueConcurrency = 1
)

// Default challenge coordinator values
const (
	DefaultChallengeMaxAgeHours  = 48
	DefaultSolveBackoffInitialMs = 2000
	DefaultSolveBackoffMaxSec    = 300
	DefaultPromptTimeoutSec      = 0 // 0 means wait indefinitely for the human
)

// Default database values
const (
	DefaultDatabaseRetryAttempts = 3
	DefaultRetentionDays         = 30
	DefaultCleanupIntervalHours  = 6
)

// Default server and transport values
const (
	DefaultServerPort            = 8084
	DefaultHTTPTimeoutSec        = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
)

// Privacy settings
const (
	DefaultIdentifierMaskLength = 4
)
