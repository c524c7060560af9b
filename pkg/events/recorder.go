package events

import (
	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/types"
)

// AuditWriter persists audit records
type AuditWriter interface {
	AppendAudit(record *types.AuditRecord) error
}

// Recorder drains a broker subscription into the durable audit log
type Recorder struct {
	broker *Broker
	writer AuditWriter
	sub    Subscriber
	done   chan struct{}
}

// NewRecorder subscribes to the broker immediately so no event published
// after construction is missed.
func NewRecorder(broker *Broker, writer AuditWriter) *Recorder {
	return &Recorder{
		broker: broker,
		writer: writer,
		sub:    broker.Subscribe(),
		done:   make(chan struct{}),
	}
}

// Start begins persisting events
func (r *Recorder) Start() {
	go func() {
		defer close(r.done)
		logger := log.WithComponent("audit")
		for event := range r.sub {
			record := &types.AuditRecord{
				ID:        event.ID,
				Type:      AuditCode(event.Type),
				Timestamp: event.Timestamp,
				Values:    event.Metadata,
			}
			if err := r.writer.AppendAudit(record); err != nil {
				logger.Error().Err(err).
					Str("event_type", string(event.Type)).
					Msg("Failed to persist audit record")
			}
		}
	}()
}

// Stop unsubscribes and waits for in-flight records to be written
func (r *Recorder) Stop() {
	r.broker.Unsubscribe(r.sub)
	<-r.done
}
