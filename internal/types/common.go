package types

// CompressionType represents the compression applied to an archive.
type CompressionType string

const (
	// CompressionNone - plain tar container
	CompressionNone CompressionType = "none"

	// CompressionGzip - gzip stream filter
	CompressionGzip CompressionType = "gz"

	// CompressionBzip2 - bzip2 stream filter (external bzip2)
	CompressionBzip2 CompressionType = "bz2"

	// CompressionSevenZip - maximal-ratio post-processing with the external 7z tool
	CompressionSevenZip CompressionType = "7z"
)

// DefaultCompression is applied when a job does not name one.
const DefaultCompression = CompressionGzip

// String returns the string representation of the compression type.
func (c CompressionType) String() string {
	return string(c)
}

// Valid reports whether c belongs to the supported set.
func (c CompressionType) Valid() bool {
	switch c {
	case CompressionNone, CompressionGzip, CompressionBzip2, CompressionSevenZip:
		return true
	}
	return false
}

// Extension returns the archive suffix appended to a job's archive path.
func (c CompressionType) Extension() string {
	switch c {
	case CompressionGzip:
		return ".tar.gz"
	case CompressionBzip2:
		return ".tar.bz2"
	case CompressionSevenZip:
		return ".tar.7z"
	default:
		return ".tar"
	}
}

// External reports whether the codec runs as a post-processing step
// over an uncompressed container instead of as a stream filter.
func (c CompressionType) External() bool {
	return c == CompressionSevenZip
}

// EncryptionBackend selects the tool used by the crypto gate.
type EncryptionBackend string

const (
	// EncryptionAge - filippo.io/age, in process
	EncryptionAge EncryptionBackend = "age"

	// EncryptionGPG - external gpg binary
	EncryptionGPG EncryptionBackend = "gpg"
)

// String returns the string representation of the backend.
func (e EncryptionBackend) String() string {
	return string(e)
}

// Suffix returns the file suffix added to encrypted archives.
func (e EncryptionBackend) Suffix() string {
	if e == EncryptionGPG {
		return ".gpg"
	}
	return ".age"
}

// LifecycleState is the position of a backup job in its run.
type LifecycleState int

const (
	StateConfigured LifecycleState = iota
	StateFilesSelected
	StateBuilt
	StateDelivered
)

// String returns the string representation of the state.
func (s LifecycleState) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateFilesSelected:
		return "files-selected"
	case StateBuilt:
		return "built"
	case StateDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelCritical - Critical errors
	LogLevelCritical LogLevel = 1

	// LogLevelNone - No logs
	LogLevelNone LogLevel = 0
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelCritical:
		return "CRITICAL"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}
