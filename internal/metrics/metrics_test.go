package metrics

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/promptpilot/promptpilot/internal/fault"
	"github.com/promptpilot/promptpilot/internal/store"
)

func newService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return NewService(s, 50, nil), s
}

func window(successRate float64, n int) *store.MetricsWindow {
	return &store.MetricsWindow{SuccessRate: successRate, TrajectoryCount: n}
}

func TestRelativeChange(t *testing.T) {
	tests := []struct {
		name           string
		before, after  float64
		want           float64
	}{
		{"normal increase", 0.5, 0.6, 0.2},
		{"normal decrease", 0.8, 0.6, -0.25},
		{"zero baseline with signal", 0, 0.3, 1},
		{"zero baseline no signal", 0, 0, 0},
		{"no change", 0.7, 0.7, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := relativeChange(tt.before, tt.after)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("relativeChange(%v, %v) = %v, want %v", tt.before, tt.after, got, tt.want)
			}
		})
	}
}

func TestCompareSignificance(t *testing.T) {
	svc, _ := newService(t)

	tests := []struct {
		name            string
		before, after   *store.MetricsWindow
		wantSignificant bool
		wantSufficient  bool
	}{
		{
			// Scenario from the detector: 0.90@100 vs 0.65@80 is a clear drop.
			name:            "large drop is significant",
			before:          window(0.90, 100),
			after:           window(0.65, 80),
			wantSignificant: true,
			wantSufficient:  true,
		},
		{
			name:            "small samples never significant",
			before:          window(1.0, 10),
			after:           window(0.0, 10),
			wantSignificant: false,
			wantSufficient:  false,
		},
		{
			name:            "under thirty post samples not significant",
			before:          window(0.9, 100),
			after:           window(0.4, 29),
			wantSignificant: false,
			wantSufficient:  false,
		},
		{
			name:            "identical rates not significant",
			before:          window(0.8, 100),
			after:           window(0.8, 100),
			wantSignificant: false,
			wantSufficient:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := svc.Compare(tt.before, tt.after)
			if c.StatisticallySignificant != tt.wantSignificant {
				t.Errorf("significant = %v (z=%.2f), want %v", c.StatisticallySignificant, c.ZScore, tt.wantSignificant)
			}
			if c.SampleSizeSufficient != tt.wantSufficient {
				t.Errorf("sufficient = %v, want %v", c.SampleSizeSufficient, tt.wantSufficient)
			}
		})
	}
}

func TestCompareZScoreMagnitude(t *testing.T) {
	svc, _ := newService(t)
	// 0.90@100 vs 0.65@80: z is approximately 4.2.
	c := svc.Compare(window(0.90, 100), window(0.65, 80))
	if c.ZScore < 4.0 || c.ZScore > 4.4 {
		t.Errorf("z = %.3f, want about 4.2", c.ZScore)
	}
	if math.Abs(c.SuccessRateChange-(-0.2777)) > 0.001 {
		t.Errorf("success rate change = %.4f, want about -0.2778", c.SuccessRateChange)
	}
}

func TestAgentWindowAggregation(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	outcomes := []string{"success", "success", "success", "failure", "error"}
	for i, o := range outcomes {
		tr := &store.Trajectory{
			ID: fmt.Sprintf("t%d", i), AgentID: "agent-1", VersionID: "v1",
			Outcome: o, Steps: 8, DurationMs: 2000, EfficiencyScore: 0.5,
			RecordedAt: now.Add(-10 * time.Minute),
		}
		if err := st.InsertTrajectory(ctx, tr); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	w, err := svc.AgentWindow(ctx, "agent-1", now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if w.TrajectoryCount != 5 {
		t.Errorf("count = %d, want 5", w.TrajectoryCount)
	}
	if math.Abs(w.SuccessRate-0.6) > 1e-9 {
		t.Errorf("success rate = %v, want 0.6", w.SuccessRate)
	}
	if math.Abs(w.ErrorRate-0.2) > 1e-9 {
		t.Errorf("error rate = %v, want 0.2", w.ErrorRate)
	}

	empty, err := svc.AgentWindow(ctx, "agent-1", now.Add(time.Hour), now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("empty window: %v", err)
	}
	if empty.SuccessRate != 0 || empty.TrajectoryCount != 0 {
		t.Errorf("empty window = %+v", empty)
	}
}

func TestConfidenceInterval(t *testing.T) {
	w := window(0.8, 100)

	low, high, err := ConfidenceInterval(w, 0.95)
	if err != nil {
		t.Fatalf("interval: %v", err)
	}
	// se = sqrt(0.8*0.2/100) = 0.04; 1.96*se = 0.0784
	if math.Abs(low-0.7216) > 0.001 || math.Abs(high-0.8784) > 0.001 {
		t.Errorf("interval = [%.4f, %.4f], want about [0.7216, 0.8784]", low, high)
	}

	t.Run("clamped to unit range", func(t *testing.T) {
		low, high, err := ConfidenceInterval(window(0.99, 10), 0.99)
		if err != nil {
			t.Fatalf("interval: %v", err)
		}
		if low < 0 || high > 1 {
			t.Errorf("interval = [%v, %v] escapes [0,1]", low, high)
		}
	})

	t.Run("unsupported level rejected", func(t *testing.T) {
		if _, _, err := ConfidenceInterval(w, 0.5); !fault.IsKind(err, fault.KindInvalidInput) {
			t.Errorf("want invalid input, got %v", err)
		}
	})
}

func TestTrendWeightsByCount(t *testing.T) {
	got := Trend([]*store.MetricsWindow{
		window(1.0, 10),
		window(0.5, 30),
	})
	// (1.0*10 + 0.5*30) / 40 = 0.625
	if math.Abs(got.SuccessRate-0.625) > 1e-9 {
		t.Errorf("trend success rate = %v, want 0.625", got.SuccessRate)
	}
	if got.TrajectoryCount != 40 {
		t.Errorf("trend count = %d, want 40", got.TrajectoryCount)
	}

	if empty := Trend(nil); empty.TrajectoryCount != 0 {
		t.Errorf("empty trend = %+v", empty)
	}
}
