package audit

import (
	log "github.com/sirupsen/logrus"
)

// Event types recorded for the compliance collaborator.
const (
	EventJobCreated        = "JOB_CREATED"
	EventJobCancelled      = "JOB_CANCELLED"
	EventAdmissionRejected = "ADMISSION_REJECTED"
)

type Event struct {
	Type       string
	TenantId   string
	ResourceId string
	Details    map[string]interface{}
}

// Sink receives audit events. Recording is fire-and-forget: implementations
// must not block and their failures must never fail the originating
// operation.
type Sink interface {
	Record(event *Event)
}

// LogSink writes audit events to the application log. The default sink when
// no external compliance endpoint is configured.
type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) Record(event *Event) {
	log.WithFields(log.Fields{
		"audit":    event.Type,
		"tenant":   event.TenantId,
		"resource": event.ResourceId,
		"details":  event.Details,
	}).Info("audit event")
}
