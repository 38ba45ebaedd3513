package bus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go.transitwatch.dev/core/internal/bus"
	"go.transitwatch.dev/core/internal/model"
)

func drainControlMessages(t *testing.T, sub *bus.Subscription) {
	t.Helper()
	for i := 0; i < 2; i++ {
		select {
		case <-sub.Messages:
		case <-time.After(time.Second):
			t.Fatal("expected connected/subscribed control messages")
		}
	}
}

func TestSubscribeDeliversConnectedAndSubscribed(t *testing.T) {
	b := bus.New(zap.NewNop(), 8)
	sub := b.Subscribe(bus.Filter{})

	msg := <-sub.Messages
	assert.Equal(t, bus.MessageConnected, msg.Type)
	msg = <-sub.Messages
	assert.Equal(t, bus.MessageSubscribed, msg.Type)
}

func TestFilterBySeverityAndLine(t *testing.T) {
	b := bus.New(zap.NewNop(), 8)
	sub := b.Subscribe(bus.Filter{Line: "6", SeverityMin: 0.7})
	drainControlMessages(t, sub)

	b.Publish(model.Anomaly{RouteID: "6", Severity: 0.9, Kind: model.KindHeadwayOutlier})
	b.Publish(model.Anomaly{RouteID: "L", Severity: 0.95, Kind: model.KindHeadwayOutlier})
	b.Publish(model.Anomaly{RouteID: "6", Severity: 0.2, Kind: model.KindHeadwayOutlier})

	msg := <-sub.Messages
	require.Equal(t, bus.MessageAnomaly, msg.Type)
	a := msg.Data.(model.Anomaly)
	assert.Equal(t, "6", a.RouteID)
	assert.Equal(t, 0.9, a.Severity)

	select {
	case m := <-sub.Messages:
		t.Fatalf("expected no further matching anomalies, got %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowConsumerDisconnectedWithoutAffectingOthers(t *testing.T) {
	b := bus.New(zap.NewNop(), 2)
	slow := b.Subscribe(bus.Filter{})
	fast := b.Subscribe(bus.Filter{})
	drainControlMessages(t, slow)
	drainControlMessages(t, fast)

	delivered := make(chan int, 1)
	go func() {
		count := 0
		for range fast.Messages {
			count++
		}
		delivered <- count
	}()

	for i := 0; i < 5; i++ {
		b.Publish(model.Anomaly{RouteID: "6", Severity: 1, Kind: model.KindHeadwayOutlier})
	}

	assert.Equal(t, bus.DisconnectSlowConsumer, slow.Reason())

	b.Close()
	assert.Equal(t, 5, <-delivered)
}
