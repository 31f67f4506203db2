package archive

import "errors"

var (
	ErrFailedToArchiveJob = errors.New("archive: failed to store job")
	ErrEventsUnavailable  = errors.New("archive: event source has no broadcaster")
)
