// Package metrics records gate events and facilitator latency.
package metrics

import "time"

// Recorder is implemented by metrics backends.
// Labels are free-form; backends keep the ones they index on.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// NoopRecorder drops everything
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
