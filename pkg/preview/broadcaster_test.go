package preview

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akiranaka1984/sns-orchestrator/pkg/bus"
	"github.com/akiranaka1984/sns-orchestrator/pkg/operation"
)

func testBroadcaster(buffer int) *Broadcaster {
	return NewBroadcaster(Config{
		SubscriberBuffer:  buffer,
		HeartbeatInterval: time.Hour,
	}, nil, nil)
}

func stepEvent(accountID string, step operation.Step) operation.Event {
	return operation.Event{
		OperationID:   "op1",
		AccountID:     accountID,
		OperationType: operation.TypeLogin,
		Step:          step,
		Timestamp:     time.Now().UTC(),
	}
}

func TestStepEventFanOut(t *testing.T) {
	b := testBroadcaster(8)
	defer b.Close()

	sub1 := b.Subscribe("acc1")
	sub2 := b.Subscribe("acc1")
	other := b.Subscribe("acc2")

	b.StepEvent(stepEvent("acc1", operation.StepNavigatingToLogin))

	for _, sub := range []*Subscriber{sub1, sub2} {
		select {
		case msg := <-sub.Messages():
			assert.Equal(t, MessageStep, msg.Type)
			assert.Equal(t, operation.StepNavigatingToLogin, msg.Step)
			assert.Equal(t, "acc1", msg.AccountID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive step event")
		}
	}

	select {
	case msg := <-other.Messages():
		t.Fatalf("unrelated account received %v", msg)
	default:
	}
}

func TestMidOperationSubscribeGetsCurrentStep(t *testing.T) {
	b := testBroadcaster(8)
	defer b.Close()

	b.StepEvent(stepEvent("acc1", operation.StepEnteringPassword))

	sub := b.Subscribe("acc1")
	select {
	case msg := <-sub.Messages():
		assert.Equal(t, MessageStep, msg.Type)
		assert.Equal(t, operation.StepEnteringPassword, msg.Step)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered on subscribe")
	}

	// Once the operation is cleared, new subscribers get nothing.
	b.OperationFinished("acc1")
	late := b.Subscribe("acc1")
	select {
	case msg := <-late.Messages():
		t.Fatalf("unexpected snapshot after operation finished: %v", msg)
	default:
	}
}

func TestFramesDropWhenBufferFull(t *testing.T) {
	b := testBroadcaster(2)
	defer b.Close()

	sub := b.Subscribe("acc1")
	for i := 0; i < 5; i++ {
		b.Frame("acc1", "op1", operation.StepPreviewing, []byte{byte(i)})
	}

	// Buffer holds two frames; the rest were dropped, not queued.
	received := 0
	for {
		select {
		case <-sub.Messages():
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 2, received)

	// The subscriber is still attached: ordered events keep flowing.
	b.StepEvent(stepEvent("acc1", operation.StepPreviewing))
	select {
	case msg := <-sub.Messages():
		assert.Equal(t, MessageStep, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("step event not delivered after frame drops")
	}
}

func TestStalledSubscriberTornDownOnStepEvent(t *testing.T) {
	b := testBroadcaster(1)
	defer b.Close()

	stalled := b.Subscribe("acc1")
	healthy := b.Subscribe("acc1")

	// Fill the stalled subscriber's buffer, then drain the healthy one.
	b.StepEvent(stepEvent("acc1", operation.StepNavigatingToLogin))
	<-healthy.Messages()

	b.StepEvent(stepEvent("acc1", operation.StepEnteringUsername))

	// The stalled subscriber's channel is closed after its buffered message.
	<-stalled.Messages()
	_, open := <-stalled.Messages()
	assert.False(t, open, "stalled subscriber should be torn down")

	msg := <-healthy.Messages()
	assert.Equal(t, operation.StepEnteringUsername, msg.Step)
}

func TestIdleHeartbeat(t *testing.T) {
	b := NewBroadcaster(Config{
		SubscriberBuffer:  8,
		HeartbeatInterval: 20 * time.Millisecond,
	}, nil, nil)
	defer b.Close()

	idle := b.Subscribe("acc1")
	busy := b.Subscribe("acc2")
	b.StepEvent(stepEvent("acc2", operation.StepPreviewing))
	<-busy.Messages()

	select {
	case msg := <-idle.Messages():
		require.Equal(t, MessageIdle, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("idle subscriber received no heartbeat")
	}

	// Accounts with a running operation get frames and steps, not idle
	// heartbeats.
	select {
	case msg := <-busy.Messages():
		t.Fatalf("busy account received %v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := testBroadcaster(8)
	defer b.Close()

	sub := b.Subscribe("acc1")
	b.Unsubscribe(sub)

	_, open := <-sub.Messages()
	assert.False(t, open)

	// Double unsubscribe is harmless.
	b.Unsubscribe(sub)
}

func TestBusMirrorsStepEventsAndFrames(t *testing.T) {
	msgBus := bus.NewMemoryBus()
	defer msgBus.Close()
	b := NewBroadcaster(Config{HeartbeatInterval: time.Hour}, msgBus, nil)
	defer b.Close()

	steps := make(chan *bus.Message, 4)
	frames := make(chan *bus.Message, 4)
	_, err := msgBus.Subscribe(context.Background(), bus.OperationSubject("acc1"), func(msg *bus.Message) {
		steps <- msg
	})
	require.NoError(t, err)
	_, err = msgBus.Subscribe(context.Background(), bus.PreviewSubject("acc1"), func(msg *bus.Message) {
		frames <- msg
	})
	require.NoError(t, err)

	b.StepEvent(stepEvent("acc1", operation.StepNavigatingToLogin))
	b.Frame("acc1", "op1", operation.StepNavigatingToLogin, []byte{0x1})

	var msg Message
	select {
	case m := <-steps:
		require.NoError(t, json.Unmarshal(m.Data, &msg))
		assert.Equal(t, MessageStep, msg.Type)
		assert.Equal(t, operation.StepNavigatingToLogin, msg.Step)
	case <-time.After(time.Second):
		t.Fatal("step event never reached the bus")
	}
	select {
	case m := <-frames:
		require.NoError(t, json.Unmarshal(m.Data, &msg))
		assert.Equal(t, MessageFrame, msg.Type)
		assert.Equal(t, []byte{0x1}, msg.Frame)
	case <-time.After(time.Second):
		t.Fatal("frame never reached the bus")
	}
}

func TestConcurrentDeliveryAndUnsubscribe(t *testing.T) {
	b := testBroadcaster(1)
	defer b.Close()

	// A client disconnecting mid-operation must never crash a sender.
	for i := 0; i < 200; i++ {
		sub := b.Subscribe("acc1")
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Frame("acc1", "op1", operation.StepPreviewing, []byte{0x1})
			}
		}()
		go func() {
			defer wg.Done()
			b.StepEvent(stepEvent("acc1", operation.StepPreviewing))
		}()
		go func() {
			defer wg.Done()
			b.Unsubscribe(sub)
		}()
		wg.Wait()
	}
}

func TestSubscribeSnapshotPrecedesRacingStepEvents(t *testing.T) {
	b := testBroadcaster(16)
	defer b.Close()

	for i := 0; i < 100; i++ {
		b.StepEvent(stepEvent("acc1", operation.StepEnteringUsername))

		done := make(chan struct{})
		go func() {
			defer close(done)
			b.StepEvent(stepEvent("acc1", operation.StepEnteringPassword))
		}()
		sub := b.Subscribe("acc1")
		<-done

		// The connect snapshot is always the first message; a step event
		// racing the subscribe can only land after it.
		first := <-sub.Messages()
		require.Equal(t, MessageStep, first.Type)
		if first.Step == operation.StepEnteringUsername {
			second := <-sub.Messages()
			assert.Equal(t, operation.StepEnteringPassword, second.Step)
		} else {
			assert.Equal(t, operation.StepEnteringPassword, first.Step)
		}
		b.Unsubscribe(sub)
		b.OperationFinished("acc1")
	}
}
