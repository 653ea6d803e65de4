package relay

import (
	"context"
	"io"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matreco/queue-service/internal/broker"
	"github.com/matreco/queue-service/internal/queue"
	"github.com/matreco/queue-service/internal/queues/docproc"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAcker records acknowledgment calls on a delivery
type fakeAcker struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func setupBridge(t *testing.T) (*Bridge, *docproc.Adapter) {
	t.Helper()

	bus := broker.New(discardLogger())
	t.Cleanup(func() { bus.Close() })

	adapter := docproc.New(queue.NewMemoryStore[docproc.Payload, docproc.Result](), bus, discardLogger(), 3)
	bridge := NewBridge(nil, []queue.AdminQueue{queue.NewAdmin(adapter)}, discardLogger())
	return bridge, adapter
}

func delivery(body string) (amqp.Delivery, *fakeAcker) {
	acker := &fakeAcker{}
	return amqp.Delivery{Acknowledger: acker, Body: []byte(body)}, acker
}

func TestHandleDelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("valid request creates job and acks", func(t *testing.T) {
		bridge, adapter := setupBridge(t)

		d, acker := delivery(`{
			"queue_name": "docproc",
			"priority": 70,
			"payload": {"document_id":"doc-1","file_ref":"s3://b/doc-1.pdf","mime_type":"application/pdf"}
		}`)
		bridge.handleDelivery(ctx, d)

		assert.True(t, acker.acked)
		assert.False(t, acker.nacked)

		jobs, total, err := adapter.ListJobs(ctx, queue.Filter{}, queue.Page{}, "")
		require.NoError(t, err)
		require.Equal(t, 1, total)
		assert.Equal(t, 70, jobs[0].Priority)
		assert.Equal(t, "doc-1", jobs[0].Payload.DocumentID)
	})

	t.Run("malformed body is dropped without requeue", func(t *testing.T) {
		bridge, _ := setupBridge(t)

		d, acker := delivery(`{not json`)
		bridge.handleDelivery(ctx, d)

		assert.True(t, acker.nacked)
		assert.False(t, acker.requeue)
	})

	t.Run("unknown queue is dropped without requeue", func(t *testing.T) {
		bridge, _ := setupBridge(t)

		d, acker := delivery(`{"queue_name":"nope","payload":{}}`)
		bridge.handleDelivery(ctx, d)

		assert.True(t, acker.nacked)
		assert.False(t, acker.requeue)
	})

	t.Run("validation failure is dropped without requeue", func(t *testing.T) {
		bridge, adapter := setupBridge(t)

		d, acker := delivery(`{"queue_name":"docproc","payload":{"document_id":""}}`)
		bridge.handleDelivery(ctx, d)

		assert.True(t, acker.nacked)
		assert.False(t, acker.requeue)

		_, total, err := adapter.ListJobs(ctx, queue.Filter{}, queue.Page{}, "")
		require.NoError(t, err)
		assert.Zero(t, total)
	})
}
