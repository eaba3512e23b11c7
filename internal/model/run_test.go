package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunDraft, RunScheduled, true},
		{RunDraft, RunRunning, false},
		{RunScheduled, RunRunning, true},
		{RunScheduled, RunFailed, true},
		{RunRunning, RunPaused, true},
		{RunRunning, RunCompleted, true},
		{RunPaused, RunRunning, true},
		{RunPaused, RunCompleted, false},
		{RunCompleted, RunRunning, false},
		{RunFailed, RunScheduled, false},
		{RunCancelled, RunRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestRunStatus_TerminalAndActive(t *testing.T) {
	t.Parallel()

	for _, s := range []RunStatus{RunCompleted, RunFailed, RunCancelled} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.Active(), s)
	}
	for _, s := range []RunStatus{RunScheduled, RunRunning, RunPaused} {
		assert.False(t, s.Terminal(), s)
		assert.True(t, s.Active(), s)
	}
	assert.False(t, RunDraft.Terminal())
	assert.False(t, RunDraft.Active())
}

func TestAlert_Lifecycle(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &Alert{ID: "a1", Status: AlertActive}

	require.NoError(t, a.Acknowledge(now))
	assert.Equal(t, AlertAcknowledged, a.Status)
	require.NotNil(t, a.AcknowledgedAt)
	assert.Equal(t, now, *a.AcknowledgedAt)

	assert.Error(t, a.Acknowledge(now), "only active alerts can be acknowledged")

	later := now.Add(time.Hour)
	require.NoError(t, a.Resolve(later))
	assert.Equal(t, AlertResolved, a.Status)
	assert.Equal(t, later, *a.ResolvedAt)

	assert.Error(t, a.Resolve(later))
}

func TestAlert_ResolveFromActive(t *testing.T) {
	t.Parallel()

	a := &Alert{ID: "a2", Status: AlertActive}
	require.NoError(t, a.Resolve(time.Now()))
	assert.Nil(t, a.AcknowledgedAt)
}

func TestSeverityRank(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, SeverityLow.Rank())
	assert.Equal(t, 2, SeverityMedium.Rank())
	assert.Equal(t, 3, SeverityHigh.Rank())
	assert.Equal(t, 4, SeverityCritical.Rank())
	assert.Equal(t, 0, Severity("bogus").Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
}

func TestHealth_Rate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, Health{}.Rate(), "no traffic counts as healthy")
	assert.Equal(t, 0.0, Health{TotalRequests: 4, TotalFailures: 4}.Rate())
	assert.Equal(t, 0.75, Health{SuccessRate: 0.75, TotalRequests: 4}.Rate())
}

func TestHealth_Score(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		health Health
		want   float64
	}{
		{"fresh", Health{}, 100},
		{"latency penalty", Health{SuccessRate: 1, TotalRequests: 10, AvgResponseMs: 2000}, 90},
		{"latency penalty capped", Health{SuccessRate: 1, TotalRequests: 10, AvgResponseMs: 60000}, 75},
		{"failures", Health{SuccessRate: 0.8, TotalRequests: 10, ConsecutiveFailures: 2}, 60},
		{"clamped at zero", Health{SuccessRate: 0.1, TotalRequests: 10, ConsecutiveFailures: 5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, tt.health.Score(), 1e-9)
		})
	}

	p := Provider{Health: Health{SuccessRate: 0.8, TotalRequests: 10, ConsecutiveFailures: 2}}
	assert.InDelta(t, 60, p.HealthScore(), 1e-9)
}

func TestProvider_ActiveAndCallCost(t *testing.T) {
	t.Parallel()

	assert.True(t, Provider{}.Active())
	assert.True(t, Provider{Status: StatusActive}.Active())
	assert.False(t, Provider{Status: StatusInactive}.Active())
	assert.False(t, Provider{Status: StatusDisabled}.Active())

	p := Provider{CostPerRequest: 0.01, CostPerRecord: 0.002}
	assert.InDelta(t, 0.01, p.CallCost(0), 1e-12)
	assert.InDelta(t, 0.21, p.CallCost(100), 1e-12)
}

func TestSource_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		source  Source
		wantErr string
	}{
		{"valid", Source{ID: "s1", Providers: []ProviderMapping{
			{ProviderID: "p1", Recommended: true},
			{ProviderID: "p2", Recommended: true, Status: StatusInactive},
		}}, ""},
		{"missing id", Source{}, "id is required"},
		{"mapping without provider", Source{ID: "s1", Providers: []ProviderMapping{{}}}, "without provider_id"},
		{"duplicate mapping", Source{ID: "s1", Providers: []ProviderMapping{
			{ProviderID: "p1"}, {ProviderID: "p1"},
		}}, "mapped twice"},
		{"two recommended", Source{ID: "s1", Providers: []ProviderMapping{
			{ProviderID: "p1", Recommended: true},
			{ProviderID: "p2", Recommended: true},
		}}, "marked recommended"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.source.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSource_Mapping(t *testing.T) {
	t.Parallel()

	s := Source{ID: "s1", Providers: []ProviderMapping{{ProviderID: "p1", Priority: 2}}}
	m, ok := s.Mapping("p1")
	require.True(t, ok)
	assert.Equal(t, 2, m.Priority)

	_, ok = s.Mapping("p9")
	assert.False(t, ok)
}
