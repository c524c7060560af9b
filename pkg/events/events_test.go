package events

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	assert.Equal(t, 1, broker.SubscriberCount())

	broker.Emit(EventMergeCommitted, map[string]string{"attempt_id": "a-1"})

	select {
	case event := <-sub:
		assert.Equal(t, EventMergeCommitted, event.Type)
		assert.NotEmpty(t, event.ID)
		assert.False(t, event.Timestamp.IsZero())
		assert.Equal(t, "a-1", event.Metadata["attempt_id"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	broker.Unsubscribe(sub)
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	// Not started: nothing drains the queue
	broker := NewBroker()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			broker.Emit(EventNodeDown, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full queue")
	}

	broker.Stop()
	broker.Stop()
	broker.Emit(EventNodeUp, nil)
}

func TestAuditCode(t *testing.T) {
	assert.Equal(t, "USER_REMOVE_SNAPSHOT_FINISHED_FAILURE_BASE_IMAGE_NOT_FOUND", AuditCode(EventMergeBaseImageMissing))
	assert.Equal(t, "merge.committed", AuditCode(EventMergeCommitted))
}

type memAudit struct {
	mu      sync.Mutex
	records []*types.AuditRecord
}

func (m *memAudit) AppendAudit(r *types.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memAudit) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestRecorder_PersistsEvents(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	audit := &memAudit{}
	recorder := NewRecorder(broker, audit)
	recorder.Start()

	broker.Emit(EventMergeBaseImageMissing, map[string]string{
		"SnapshotName": "before upgrade",
		"BaseVolumeId": "vol-base",
	})

	require.Eventually(t, func() bool { return audit.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	recorder.Stop()

	record := audit.records[0]
	assert.Equal(t, "USER_REMOVE_SNAPSHOT_FINISHED_FAILURE_BASE_IMAGE_NOT_FOUND", record.Type)
	assert.Equal(t, "before upgrade", record.Values["SnapshotName"])
	assert.Equal(t, "vol-base", record.Values["BaseVolumeId"])
}
