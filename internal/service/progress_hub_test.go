package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestProgressHubLocalDelivery(t *testing.T) {
	hub := NewProgressHub(nil, "", nil, "", testLogger())

	events, cleanup := hub.Subscribe("run-1")
	other, cleanupOther := hub.Subscribe("run-2")
	defer cleanupOther()

	hub.Publish(context.Background(), ProgressEvent{RunID: "run-1", Type: ProgressStudentCompleted, StudentID: "Jean", Completed: 1, Total: 3})

	select {
	case event := <-events:
		require.Equal(t, "Jean", event.StudentID)
		require.Equal(t, 1, event.Completed)
		require.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected progress event")
	}

	select {
	case event := <-other:
		t.Fatalf("unexpected event for other run: %+v", event)
	default:
	}

	cleanup()
	cleanup()
	_, open := <-events
	require.False(t, open)
}

func TestProgressHubDropsWhenSubscriberIsSlow(t *testing.T) {
	hub := NewProgressHub(nil, "", nil, "", testLogger())
	events, cleanup := hub.Subscribe("run-1")
	defer cleanup()

	for i := range progressBufferSize + 10 {
		hub.Publish(context.Background(), ProgressEvent{RunID: "run-1", Completed: i + 1})
	}
	require.Len(t, events, progressBufferSize)
}

func TestProgressHubRelaysAcrossNodesViaRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = clientA.Close()
		_ = clientB.Close()
	})

	publisher := NewProgressHub(clientA, "grader:progress", nil, "", testLogger())
	receiver := NewProgressHub(clientB, "grader:progress", nil, "", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	receiver.Start(ctx)

	events, cleanup := receiver.Subscribe("run-9")
	defer cleanup()

	local, cleanupLocal := publisher.Subscribe("run-9")
	defer cleanupLocal()

	require.Eventually(t, func() bool {
		publisher.Publish(ctx, ProgressEvent{RunID: "run-9", Type: ProgressRunFinished, Completed: 2, Total: 2})
		select {
		case event := <-events:
			return event.Type == ProgressRunFinished
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	event := <-local
	require.Equal(t, ProgressRunFinished, event.Type)
}

func TestProgressHubCollapsesEventsFromBothRelays(t *testing.T) {
	mr := miniredis.RunT(t)
	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tap := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = clientA.Close()
		_ = clientB.Close()
		_ = tap.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	raw := tap.Subscribe(ctx, "grader:progress")
	defer func() { _ = raw.Close() }()
	_, err := raw.Receive(ctx)
	require.NoError(t, err)
	relayed := raw.Channel()

	publisher := NewProgressHub(clientA, "grader:progress", nil, "", testLogger())
	receiver := NewProgressHub(clientB, "grader:progress", nil, "", testLogger())
	receiver.Start(ctx)

	warmup, cleanupWarmup := receiver.Subscribe("warmup")
	defer cleanupWarmup()
	require.Eventually(t, func() bool {
		publisher.Publish(ctx, ProgressEvent{RunID: "warmup", Type: ProgressRunStarted})
		select {
		case <-warmup:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	// Discard the warm-up traffic seen by the tap.
	for drained := false; !drained; {
		select {
		case <-relayed:
		case <-time.After(50 * time.Millisecond):
			drained = true
		}
	}

	events, cleanup := receiver.Subscribe("run-4")
	defer cleanup()

	publisher.Publish(ctx, ProgressEvent{RunID: "run-4", Type: ProgressStudentCompleted, StudentID: "Jean", Completed: 1, Total: 2})
	select {
	case event := <-events:
		require.Equal(t, "Jean", event.StudentID)
	case <-time.After(time.Second):
		t.Fatal("expected relayed event")
	}

	var payload string
	select {
	case msg := <-relayed:
		payload = msg.Payload
	case <-time.After(time.Second):
		t.Fatal("expected relayed payload")
	}

	// The same envelope delivered again, as the NATS relay would.
	receiver.handleRemote([]byte(payload))
	select {
	case event := <-events:
		t.Fatalf("duplicate event delivered: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}

	publisher.Publish(ctx, ProgressEvent{RunID: "run-4", Type: ProgressRunFinished, Completed: 2, Total: 2})
	select {
	case event := <-events:
		require.Equal(t, ProgressRunFinished, event.Type)
	case <-time.After(time.Second):
		t.Fatal("expected run_finished event")
	}
}

func TestProgressHubMarkSeenIsBounded(t *testing.T) {
	hub := NewProgressHub(nil, "", nil, "", testLogger())

	require.True(t, hub.markSeen("first"))
	require.False(t, hub.markSeen("first"))
	for i := range seenEventsSize {
		require.True(t, hub.markSeen(fmt.Sprintf("event-%d", i)))
	}
	require.Len(t, hub.seen, seenEventsSize)
	require.True(t, hub.markSeen("first"))
}
