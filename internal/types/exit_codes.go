// Package types defines shared application data types.
package types

import "errors"

// ExitCode represents the application's exit codes.
type ExitCode int

const (
	// ExitSuccess - Execution completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGenericError - Unspecified generic error.
	ExitGenericError ExitCode = 1

	// ExitConfigError - Configuration or argument error.
	ExitConfigError ExitCode = 2

	// ExitBackupError - A job failed outside a more specific stage.
	ExitBackupError ExitCode = 4

	// ExitStorageError - Delivery or retrieval failed.
	ExitStorageError ExitCode = 5

	// ExitCollectionError - File selection failed.
	ExitCollectionError ExitCode = 9

	// ExitArchiveError - Error while creating or reading the archive.
	ExitArchiveError ExitCode = 10

	// ExitCompressionError - External codec failure.
	ExitCompressionError ExitCode = 11

	// ExitPanicError - Unhandled panic caught.
	ExitPanicError ExitCode = 13

	// ExitCryptoError - Encryption or decryption failure.
	ExitCryptoError ExitCode = 15
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitGenericError:
		return "generic error"
	case ExitConfigError:
		return "configuration error"
	case ExitBackupError:
		return "backup error"
	case ExitStorageError:
		return "storage error"
	case ExitCollectionError:
		return "collection error"
	case ExitArchiveError:
		return "archive error"
	case ExitCompressionError:
		return "compression error"
	case ExitPanicError:
		return "panic error"
	case ExitCryptoError:
		return "crypto error"
	default:
		return "unknown error"
	}
}

// Int returns the exit code as an int.
func (e ExitCode) Int() int {
	return int(e)
}

// ExitCodeFor maps an error returned by a job stage to the process exit code.
func ExitCodeFor(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	var typed *Error
	if !errors.As(err, &typed) {
		return ExitGenericError
	}
	switch typed.Kind {
	case KindConfig:
		return ExitConfigError
	case KindSelection:
		return ExitCollectionError
	case KindArchive:
		return ExitArchiveError
	case KindCompression:
		return ExitCompressionError
	case KindCrypto:
		return ExitCryptoError
	case KindTransfer:
		return ExitStorageError
	default:
		return ExitBackupError
	}
}
