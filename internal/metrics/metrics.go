// Package metrics aggregates trajectory outcomes into windowed metrics and
// compares windows with a two-proportion z-test for significance.
package metrics

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/promptpilot/promptpilot/internal/fault"
	"github.com/promptpilot/promptpilot/internal/store"
)

// Significance thresholds for the two-proportion z-test.
const (
	minSamplesForSignificance = 30
	significanceZ             = 1.96 // 95% two-sided
)

// Service computes metric windows from stored trajectories.
type Service struct {
	store         store.Store
	minSampleSize int
	logger        *slog.Logger
}

// NewService creates a metrics service. minSampleSize gates the
// sampleSizeSufficient flag on comparisons.
func NewService(s store.Store, minSampleSize int, logger *slog.Logger) *Service {
	if minSampleSize <= 0 {
		minSampleSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         s,
		minSampleSize: minSampleSize,
		logger:        logger.With("component", "metrics.Service"),
	}
}

// AgentWindow aggregates all of an agent's trajectories in [start, end].
func (s *Service) AgentWindow(ctx context.Context, agentID string, start, end time.Time) (*store.MetricsWindow, error) {
	agg, err := s.store.GetTrajectoryMetrics(ctx, agentID, start, end)
	if err != nil {
		return nil, err
	}
	return windowFromAggregate(agg, start, end), nil
}

// VersionWindow aggregates one version's trajectories in [start, end].
func (s *Service) VersionWindow(ctx context.Context, versionID string, start, end time.Time) (*store.MetricsWindow, error) {
	agg, err := s.store.GetVersionMetrics(ctx, versionID, start, end)
	if err != nil {
		return nil, err
	}
	return windowFromAggregate(agg, start, end), nil
}

// CaptureBaseline returns the agent-wide window of the given length ending
// now. Used by the deployment controller at deploy time.
func (s *Service) CaptureBaseline(ctx context.Context, agentID string, window time.Duration) (*store.MetricsWindow, error) {
	return s.CaptureBaselineIn(ctx, s.store, agentID, window)
}

// CaptureBaselineIn captures the baseline through the given store, so a
// caller inside a transaction reads on that transaction's connection.
func (s *Service) CaptureBaselineIn(ctx context.Context, st store.Store, agentID string, window time.Duration) (*store.MetricsWindow, error) {
	end := time.Now().UTC()
	start := end.Add(-window)
	agg, err := st.GetTrajectoryMetrics(ctx, agentID, start, end)
	if err != nil {
		return nil, err
	}
	return windowFromAggregate(agg, start, end), nil
}

func windowFromAggregate(agg *store.TrajectoryAggregate, start, end time.Time) *store.MetricsWindow {
	w := &store.MetricsWindow{
		TrajectoryCount: agg.Total,
		AvgEfficiency:   agg.AvgEfficiency,
		AvgSteps:        agg.AvgSteps,
		AvgDurationMs:   agg.AvgDurationMs,
		PeriodStart:     start,
		PeriodEnd:       end,
	}
	if agg.Total > 0 {
		w.SuccessRate = float64(agg.Successes) / float64(agg.Total)
		w.ErrorRate = float64(agg.Errors) / float64(agg.Total)
	}
	return w
}

// Compare produces the delta between two windows. Change fields are
// relative; significance uses a pooled two-proportion z-test on success
// rates and requires at least 30 samples on each side.
func (s *Service) Compare(before, after *store.MetricsWindow) *store.MetricsComparison {
	c := &store.MetricsComparison{
		Before:               *before,
		After:                *after,
		SuccessRateChange:    relativeChange(before.SuccessRate, after.SuccessRate),
		ErrorRateChange:      relativeChange(before.ErrorRate, after.ErrorRate),
		EfficiencyChange:     relativeChange(before.AvgEfficiency, after.AvgEfficiency),
		AvgStepsChange:       relativeChange(before.AvgSteps, after.AvgSteps),
		AvgDurationChange:    relativeChange(before.AvgDurationMs, after.AvgDurationMs),
		SampleSizeSufficient: after.TrajectoryCount >= s.minSampleSize,
	}

	z, significant := successRateZTest(before, after)
	c.ZScore = z
	c.StatisticallySignificant = significant
	return c
}

// relativeChange is (after-before)/before, with before=0 mapping to 1 when
// after>0 and 0 otherwise.
func relativeChange(before, after float64) float64 {
	if before == 0 {
		if after > 0 {
			return 1
		}
		return 0
	}
	return (after - before) / before
}

func successRateZTest(before, after *store.MetricsWindow) (z float64, significant bool) {
	n1 := float64(before.TrajectoryCount)
	n2 := float64(after.TrajectoryCount)
	if n1 < minSamplesForSignificance || n2 < minSamplesForSignificance {
		return 0, false
	}

	p1 := before.SuccessRate
	p2 := after.SuccessRate
	pPool := (p1*n1 + p2*n2) / (n1 + n2)
	se := math.Sqrt(pPool * (1 - pPool) * (1/n1 + 1/n2))
	if se == 0 {
		return 0, false
	}
	z = math.Abs(p1-p2) / se
	return z, z > significanceZ
}

// ConfidenceInterval returns the [low, high] bounds on a window's success
// rate at level 0.90, 0.95, or 0.99, clamped to [0, 1].
func ConfidenceInterval(w *store.MetricsWindow, level float64) (low, high float64, err error) {
	var z float64
	switch level {
	case 0.90:
		z = 1.645
	case 0.95:
		z = 1.96
	case 0.99:
		z = 2.576
	default:
		return 0, 0, fault.InvalidInput("confidence level must be 0.90, 0.95, or 0.99")
	}
	if w.TrajectoryCount == 0 {
		return 0, 1, nil
	}

	p := w.SuccessRate
	se := math.Sqrt(p * (1 - p) / float64(w.TrajectoryCount))
	low = math.Max(0, p-z*se)
	high = math.Min(1, p+z*se)
	return low, high, nil
}

// Trend collapses several windows into one, weighting every rate and mean
// by the window's trajectory count.
func Trend(windows []*store.MetricsWindow) *store.MetricsWindow {
	if len(windows) == 0 {
		return &store.MetricsWindow{}
	}

	out := &store.MetricsWindow{
		PeriodStart: windows[0].PeriodStart,
		PeriodEnd:   windows[0].PeriodEnd,
	}
	var total float64
	for _, w := range windows {
		n := float64(w.TrajectoryCount)
		total += n
		out.SuccessRate += w.SuccessRate * n
		out.ErrorRate += w.ErrorRate * n
		out.AvgEfficiency += w.AvgEfficiency * n
		out.AvgSteps += w.AvgSteps * n
		out.AvgDurationMs += w.AvgDurationMs * n
		out.TrajectoryCount += w.TrajectoryCount
		if w.PeriodStart.Before(out.PeriodStart) {
			out.PeriodStart = w.PeriodStart
		}
		if w.PeriodEnd.After(out.PeriodEnd) {
			out.PeriodEnd = w.PeriodEnd
		}
	}
	if total == 0 {
		return out
	}
	out.SuccessRate /= total
	out.ErrorRate /= total
	out.AvgEfficiency /= total
	out.AvgSteps /= total
	out.AvgDurationMs /= total
	return out
}
