package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowkeylabs/crossyield/internal/bus"
	"github.com/lowkeylabs/crossyield/internal/upkeep"
	"github.com/lowkeylabs/crossyield/internal/voting"
)

func setupDispatcher(t *testing.T) (*MockAlerter, *bus.Bus) {
	t.Helper()
	mock := NewMockAlerter(nil)
	b := bus.New()
	d := NewDispatcher(NewManager(mock), b)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		d.Stop()
		b.Close()
	})
	return mock, b
}

func waitForAlerts(t *testing.T, mock *MockAlerter, n int) []Alert {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(mock.Alerts()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return mock.Alerts()
}

func TestDispatcherAlertsOnUpkeepFailure(t *testing.T) {
	mock, b := setupDispatcher(t)

	decisionID := uuid.New()
	b.Publish(bus.TopicUpkeepFailed, upkeep.Failure{
		UpkeepID:   "upkeep-usdc",
		DecisionID: decisionID,
		Reason:     "orchestrator not started",
		At:         time.Now().UTC(),
	})

	alerts := waitForAlerts(t, mock, 1)
	assert.Equal(t, "Upkeep paused", alerts[0].Title)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "upkeep-usdc")
	assert.Equal(t, "upkeep-usdc", alerts[0].Metadata["upkeep_id"])
	assert.Equal(t, decisionID.String(), alerts[0].Metadata["decision_id"])
	assert.Equal(t, "orchestrator not started", alerts[0].Metadata["reason"])
}

func TestDispatcherAlertsOnComponentDown(t *testing.T) {
	mock, b := setupDispatcher(t)

	b.Publish(bus.TopicComponentDown, "feed exhausted restart budget")

	alerts := waitForAlerts(t, mock, 1)
	assert.Equal(t, "Component down", alerts[0].Title)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "feed exhausted restart budget", alerts[0].Message)
}

func TestDispatcherAlertsOnEmergencyDecision(t *testing.T) {
	mock, b := setupDispatcher(t)

	routine := &voting.Decision{
		ID:            uuid.New(),
		Action:        voting.ActionRebalance,
		ConsensusPPM:  800_000,
		ConfidencePPM: 900_000,
	}
	b.Publish(bus.TopicDecision, routine)

	emergency := &voting.Decision{
		ID:            uuid.New(),
		Action:        voting.ActionEmergencyExit,
		ConsensusPPM:  1_000_000,
		ConfidencePPM: 1_000_000,
		Reasoning:     []string{"critical protocol alert on aave"},
	}
	b.Publish(bus.TopicDecision, emergency)

	alerts := waitForAlerts(t, mock, 1)

	// Only the emergency decision alerts; routine decisions pass silently.
	time.Sleep(30 * time.Millisecond)
	alerts = mock.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "Emergency exit", alerts[0].Title)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Equal(t, emergency.ID.String(), alerts[0].Metadata["decision_id"])
	assert.Contains(t, alerts[0].Metadata["reasoning"], "critical protocol alert")
}

func TestDispatcherHoldDecisionsStaySilent(t *testing.T) {
	mock, b := setupDispatcher(t)

	b.Publish(bus.TopicDecision, &voting.Decision{ID: uuid.New(), Action: voting.ActionHold})
	b.Publish(bus.TopicUpkeepFailed, upkeep.Failure{UpkeepID: "upkeep-usdc", Reason: "boom"})

	alerts := waitForAlerts(t, mock, 1)
	assert.Equal(t, "Upkeep paused", alerts[0].Title)

	// The hold produced nothing.
	time.Sleep(30 * time.Millisecond)
	require.Len(t, mock.Alerts(), 1)
}

func TestDispatcherNameAndStats(t *testing.T) {
	mock, b := setupDispatcher(t)
	d := NewDispatcher(NewManager(mock), b)
	assert.Equal(t, "alerts", d.Name())

	stats := d.Stats()
	assert.Contains(t, stats, "sent")
	assert.Contains(t, stats, "failed")
}
