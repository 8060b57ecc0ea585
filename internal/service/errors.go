package service

import "errors"

var (
	// ErrArchiveFormat indicates the archive cannot be opened or holds no student folders.
	ErrArchiveFormat = errors.New("invalid submission archive")
	// ErrRubricMissing indicates no rubric source resolved to text.
	ErrRubricMissing = errors.New("rubric is missing or empty")
	// ErrInvalidPromptTemplate indicates the system prompt template does not parse.
	ErrInvalidPromptTemplate = errors.New("invalid system prompt template")
	// ErrInvalidConcurrency indicates max concurrency is below one.
	ErrInvalidConcurrency = errors.New("max concurrency must be at least 1")

	ErrArchiveRequired    = errors.New("submission archive is required")
	ErrUnsupportedArchive = errors.New("submission archive must be a zip file")
	ErrUploadTooLarge     = errors.New("uploaded file exceeds the size limit")

	ErrRunNotFound       = errors.New("evaluation run not found")
	ErrRunNotCancellable = errors.New("evaluation run is not running")
	ErrRunNotFinished    = errors.New("evaluation run has not finished")
	ErrRunActive         = errors.New("evaluation run is still active")
)
