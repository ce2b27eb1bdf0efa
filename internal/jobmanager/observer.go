package jobmanager

import (
	"time"

	"github.com/ChuLiYu/geostream/pkg/types"
)

// Observer receives measurements from a Manager. Implementations must be
// safe for concurrent use by many managers.
type Observer interface {
	JobEnqueued(manager string)
	JobFinished(manager string, status types.StatusCode, d time.Duration)
	JobStalled(manager string)
	QueueDepth(manager string, depth int)
	Paused(manager string, paused bool)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) JobEnqueued(string)                                  {}
func (NopObserver) JobFinished(string, types.StatusCode, time.Duration) {}
func (NopObserver) JobStalled(string)                                   {}
func (NopObserver) QueueDepth(string, int)                              {}
func (NopObserver) Paused(string, bool)                                 {}
