package scp

import "time"

// EventKind discriminates the Event union the orchestrator emits to its
// configured Sink.
type EventKind string

const (
	EventServerStarted  EventKind = "ServerStarted"
	EventFileStored     EventKind = "FileStored"
	EventStudyCompleted EventKind = "StudyCompleted"
	EventError          EventKind = "Error"
)

// Event is the single type carrying every kind of orchestrator notification;
// only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// ServerStarted
	Address string

	// FileStored
	StoragePath       string
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
	Tags              map[string]string

	// StudyCompleted
	Study *StudyProjection

	// Error
	Err error
}

// Sink receives orchestrator events. Implementations must not block the
// caller for long; the worker or aggregator that emits an event is
// suspended until Notify returns.
type Sink interface {
	Notify(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Notify implements Sink.
func (f SinkFunc) Notify(e Event) { f(e) }

// StudyProjection is the hierarchical tag projection delivered with
// StudyCompleted: study-scope tags at the top, series-scope tags per series,
// instance-scope tags per instance.
type StudyProjection struct {
	StudyInstanceUID string
	Tags             map[string]string
	Series           []SeriesProjection
	CompletedAt      time.Time
}

// SeriesProjection is one series within a StudyProjection.
type SeriesProjection struct {
	SeriesInstanceUID string
	Tags              map[string]string
	Instances         []InstanceProjection
}

// InstanceProjection is one instance within a SeriesProjection.
type InstanceProjection struct {
	SOPInstanceUID string
	Tags           map[string]string
}
