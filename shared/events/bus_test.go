/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

const testRunID = "run-1"

func TestSubscribe(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	Subscribe[StageStarted](bus, func(_ context.Context, _ StageStarted) error { return nil })
	Subscribe[StageStarted](bus, func(_ context.Context, _ StageStarted) error { return nil })

	if count := bus.HandlerCount(StageStartedType); count != 2 {
		t.Errorf("expected 2 handlers, got %d", count)
	}
}

func TestPublish_StageFinished(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	var received StageFinished
	Subscribe[StageFinished](bus, func(_ context.Context, e StageFinished) error {
		received = e
		return nil
	})

	event := NewStageFinished(testRunID, "unseal", "ok", "", 1, 2*time.Second)
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if received.Stage != "unseal" || received.Result != "ok" {
		t.Errorf("unexpected event received: %+v", received)
	}
	if received.RunID != testRunID {
		t.Errorf("expected RunID %q, got %q", testRunID, received.RunID)
	}
}

func TestPublish_AllEventTypesDispatch(t *testing.T) {
	bus := NewEventBus(logr.Discard())
	var calls int32
	count := func() { atomic.AddInt32(&calls, 1) }

	Subscribe[StageStarted](bus, func(context.Context, StageStarted) error { count(); return nil })
	Subscribe[StageFinished](bus, func(context.Context, StageFinished) error { count(); return nil })
	Subscribe[BootstrapCompleted](bus, func(context.Context, BootstrapCompleted) error { count(); return nil })
	Subscribe[NodeStateObserved](bus, func(context.Context, NodeStateObserved) error { count(); return nil })
	Subscribe[UnsealShareSubmitted](bus, func(context.Context, UnsealShareSubmitted) error { count(); return nil })
	Subscribe[RaftMembershipChanged](bus, func(context.Context, RaftMembershipChanged) error { count(); return nil })
	Subscribe[TokenIssued](bus, func(context.Context, TokenIssued) error { count(); return nil })
	Subscribe[TokenRevoked](bus, func(context.Context, TokenRevoked) error { count(); return nil })
	Subscribe[SnapshotTaken](bus, func(context.Context, SnapshotTaken) error { count(); return nil })

	all := []Event{
		NewStageStarted(testRunID, "prepare", 1),
		NewStageFinished(testRunID, "prepare", "ok", "", 1, time.Second),
		NewBootstrapCompleted(testRunID, "vault-1", time.Minute),
		NewNodeStateObserved(testRunID, "vault-1", "https://vault-1:8200", "sealed"),
		NewUnsealShareSubmitted(testRunID, "vault-1", 1, 3, true),
		NewRaftMembershipChanged(testRunID, "vault-2", RaftActionJoin),
		NewTokenIssued(testRunID, "root-rotation", "acc-1", false),
		NewTokenRevoked(testRunID, "root-rotation", "acc-1", nil),
		NewSnapshotTaken(testRunID, "/tmp/raft.snap", 42, "abc", false),
	}
	for _, e := range all {
		if err := bus.Publish(context.Background(), e); err != nil {
			t.Fatalf("Publish(%s) error = %v", e.Type(), err)
		}
	}

	if got := atomic.LoadInt32(&calls); got != int32(len(all)) {
		t.Errorf("expected %d handler calls, got %d", len(all), got)
	}
}

func TestPublish_NoHandlers(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	if err := bus.Publish(context.Background(), NewStageStarted(testRunID, "pki", 1)); err != nil {
		t.Fatalf("unexpected error for no handlers: %v", err)
	}
}

func TestPublish_MultipleHandlers_ContinuesOnError(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	var callCount int32
	firstErr := errors.New("first handler failed")
	thirdErr := errors.New("third handler failed")
	Subscribe[TokenRevoked](bus, func(_ context.Context, _ TokenRevoked) error {
		atomic.AddInt32(&callCount, 1)
		return firstErr
	})
	Subscribe[TokenRevoked](bus, func(_ context.Context, _ TokenRevoked) error {
		atomic.AddInt32(&callCount, 1)
		return nil
	})
	Subscribe[TokenRevoked](bus, func(_ context.Context, _ TokenRevoked) error {
		atomic.AddInt32(&callCount, 1)
		return thirdErr
	})

	err := bus.Publish(context.Background(), NewTokenRevoked(testRunID, "ceremony", "acc", nil))

	if atomic.LoadInt32(&callCount) != 3 {
		t.Errorf("expected 3 handler calls, got %d", callCount)
	}
	if !errors.Is(err, firstErr) || !errors.Is(err, thirdErr) {
		t.Errorf("expected both handler errors, got %v", err)
	}
}

func TestPublish_HandlerPanic(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	var reached bool
	Subscribe[SnapshotTaken](bus, func(_ context.Context, _ SnapshotTaken) error {
		panic("observer bug")
	})
	Subscribe[SnapshotTaken](bus, func(_ context.Context, _ SnapshotTaken) error {
		reached = true
		return nil
	})

	err := bus.Publish(context.Background(), NewSnapshotTaken(testRunID, "/tmp/raft.snap", 1, "abc", false))
	if err == nil {
		t.Fatal("expected the panic to be reported as an error")
	}
	if !reached {
		t.Error("expected the second handler to run after the first panicked")
	}
}

func TestPublish_NilBus(t *testing.T) {
	var bus *EventBus
	if err := bus.Publish(context.Background(), NewStageStarted(testRunID, "pki", 1)); err != nil {
		t.Fatalf("expected nil bus to drop events, got %v", err)
	}
}

func TestTokenRevokedCarriesError(t *testing.T) {
	e := NewTokenRevoked(testRunID, "ceremony", "acc", errors.New("permission denied"))
	if e.Success {
		t.Error("expected Success to be false when an error is given")
	}
	if e.Error != "permission denied" {
		t.Errorf("expected error text to be kept, got %q", e.Error)
	}
}

func TestEventBus_ThreadSafety(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	var wg sync.WaitGroup
	var callCount int32

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Subscribe[NodeStateObserved](bus, func(_ context.Context, _ NodeStateObserved) error {
				atomic.AddInt32(&callCount, 1)
				return nil
			})
		}()
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.Publish(context.Background(), NewNodeStateObserved(testRunID, "n", "a", "sealed"))
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&callCount) != 50 {
		t.Errorf("expected 50 handler calls, got %d", callCount)
	}
}

func TestBaseEvent(t *testing.T) {
	event := NewBaseEvent("test.event", testRunID)

	if event.Type() != "test.event" {
		t.Errorf("expected type 'test.event', got %q", event.Type())
	}
	if time.Since(event.Timestamp()) > time.Second {
		t.Error("expected timestamp to be recent")
	}
}
