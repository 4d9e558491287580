package track

import (
	"errors"
	"fmt"
)

// MinSamples is the smallest track that can be replayed.
const MinSamples = 2

// ErrInsufficientData is matched by every *InsufficientDataError via errors.Is.
var ErrInsufficientData = errors.New("insufficient track data")

// InsufficientDataError reports that fewer than MinSamples valid samples
// remained after normalization. Playback must not start.
type InsufficientDataError struct {
	Valid   int
	Dropped int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient track data: %d valid samples (%d dropped), need at least %d",
		e.Valid, e.Dropped, MinSamples)
}

// Is lets errors.Is(err, ErrInsufficientData) match.
func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData
}

// InvalidSampleError describes one raw record dropped during ingestion.
type InvalidSampleError struct {
	Index  int
	Field  string
	Reason string
}

func (e *InvalidSampleError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("record %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("record %d: %s: %s", e.Index, e.Field, e.Reason)
}
