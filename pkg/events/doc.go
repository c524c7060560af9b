/*
Package events provides the in-memory event broker and the audit recorder.

Components publish events with Broker.Emit, which never blocks the caller:
a full queue drops the event with a warning. Subscribers receive every event
through their own buffered channel. Recorder is the subscriber that turns
events into durable audit records, translating event types into the audit
codes operators search for (see AuditCode).

	broker := events.NewBroker()
	broker.Start()
	recorder := events.NewRecorder(broker, mgr)
	recorder.Start()

	broker.Emit(events.EventMergeBaseImageMissing, map[string]string{
		"SnapshotName": snapshot.Description,
		"BaseVolumeId": req.BaseImage.ImageID,
	})
*/
package events
