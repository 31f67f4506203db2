package file

import "errors"

var (
	ErrInvalidKey    = errors.New("invalid object key") // Empty, absolute or escaping the store root
	ErrFileNotFound  = errors.New("file not found")
	ErrInvalidConfig = errors.New("invalid configuration")

	// I/O errors, wrapped with the underlying cause
	ErrFailedToOpenFile        = errors.New("failed to open file")
	ErrFailedToWriteFile       = errors.New("failed to write file")
	ErrFailedToDeleteFile      = errors.New("failed to delete file")
	ErrFailedToCreateDirectory = errors.New("failed to create directory")
	ErrFailedToReadDirectory   = errors.New("failed to read directory")
	ErrFailedToGetAbsolutePath = errors.New("failed to get absolute path")
	ErrFailedToHashFile        = errors.New("failed to hash file")

	// S3 error classification
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
	ErrFailedToLoadConfig = errors.New("failed to load AWS config")

	ErrOperationTimeout  = errors.New("operation timed out")
	ErrOperationCanceled = errors.New("operation canceled")
)
