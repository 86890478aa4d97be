package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-asset-vault/internal/models"
)

func event(phase string, progress float64) models.ProgressEvent {
	return models.ProgressEvent{
		JobID:    "job-1",
		Phase:    phase,
		Progress: progress,
	}
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("job-1")
	defer cancel()

	published := []models.ProgressEvent{
		event(models.PhaseStarting, 0),
		event(models.PhaseDownloading, 12.5),
		event(models.PhaseDownloading, 50),
		event(models.PhaseVerifying, 99.9),
		event(models.PhaseDone, 100),
	}
	for _, ev := range published {
		bus.Publish("job-1", ev)
	}

	var received []models.ProgressEvent
	for ev := range ch {
		received = append(received, ev)
	}

	require.Len(t, received, len(published))
	for i, ev := range received {
		assert.Equal(t, published[i].Phase, ev.Phase)
		assert.Equal(t, published[i].Progress, ev.Progress)
	}
}

func TestBusFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus()
	ch1, cancel1 := bus.Subscribe("job-1")
	ch2, cancel2 := bus.Subscribe("job-1")
	defer cancel1()
	defer cancel2()

	assert.Equal(t, 2, bus.SubscriberCount("job-1"))

	bus.Publish("job-1", event(models.PhaseDownloading, 10))
	bus.Publish("job-1", event(models.PhaseDone, 100))

	for _, ch := range []<-chan models.ProgressEvent{ch1, ch2} {
		var phases []string
		for ev := range ch {
			phases = append(phases, ev.Phase)
		}
		assert.Equal(t, []string{models.PhaseDownloading, models.PhaseDone}, phases)
	}
}

func TestBusNoReplayForLateSubscriber(t *testing.T) {
	bus := NewBus()
	early, cancelEarly := bus.Subscribe("job-1")
	defer cancelEarly()

	bus.Publish("job-1", event(models.PhaseStarting, 0))
	bus.Publish("job-1", event(models.PhaseDownloading, 40))

	late, cancelLate := bus.Subscribe("job-1")
	defer cancelLate()

	bus.Publish("job-1", event(models.PhaseDone, 100))

	var latePhases []string
	for ev := range late {
		latePhases = append(latePhases, ev.Phase)
	}
	assert.Equal(t, []string{models.PhaseDone}, latePhases, "late subscriber must only see events published after it attached")

	var earlyPhases []string
	for ev := range early {
		earlyPhases = append(earlyPhases, ev.Phase)
	}
	assert.Equal(t, []string{models.PhaseStarting, models.PhaseDownloading, models.PhaseDone}, earlyPhases)
}

func TestBusTerminalEventClosesStream(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("job-1")
	defer cancel()

	bus.Publish("job-1", event(models.PhaseFailed, 37.2))

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, models.PhaseFailed, ev.Phase)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after the terminal event")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after terminal event")
	}

	assert.Equal(t, 0, bus.SubscriberCount("job-1"), "job entry should be removed after terminal event")
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("job-1")

	bus.Publish("job-1", event(models.PhaseDownloading, 5))
	cancel()

	// Publishing after cancel must not panic or deliver.
	bus.Publish("job-1", event(models.PhaseDownloading, 10))

	var received []models.ProgressEvent
	for ev := range ch {
		received = append(received, ev)
	}
	require.Len(t, received, 1)
	assert.Equal(t, 5.0, received[0].Progress)
	assert.Equal(t, 0, bus.SubscriberCount("job-1"))
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("job-1")
	defer cancel()

	// Never read from ch; the buffer fills and further publishes are dropped
	// rather than blocking the publisher.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish("job-1", event(models.PhaseDownloading, float64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	assert.Len(t, ch, subscriberBuffer)
}

func TestBusIsolatesJobs(t *testing.T) {
	bus := NewBus()
	chA, cancelA := bus.Subscribe("job-a")
	chB, cancelB := bus.Subscribe("job-b")
	defer cancelA()
	defer cancelB()

	bus.Publish("job-a", models.ProgressEvent{JobID: "job-a", Phase: models.PhaseDone, Progress: 100})

	ev, ok := <-chA
	require.True(t, ok)
	assert.Equal(t, "job-a", ev.JobID)

	select {
	case ev := <-chB:
		t.Fatalf("subscriber of job-b received event for %s", ev.JobID)
	default:
	}
	assert.Equal(t, 1, bus.SubscriberCount("job-b"))
}
