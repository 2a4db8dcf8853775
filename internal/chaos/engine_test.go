package chaos

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestThresholdHolds(t *testing.T) {
	tests := []struct {
		op    string
		value float64
		want  bool
	}{
		{op: ">", value: 2, want: true},
		{op: ">", value: 1, want: false},
		{op: "<", value: 0.5, want: true},
		{op: ">=", value: 1, want: true},
		{op: "<=", value: 1.5, want: false},
		{op: "==", value: 1, want: true},
		{op: "!=", value: 3, want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Threshold{Operator: tt.op, Value: 1}.Holds(tt.value), "%v %s 1", tt.value, tt.op)
	}
}

func newTestEngine() *Engine {
	return NewEngine(zap.NewNop(), WithSampleInterval(5*time.Millisecond), WithPause(time.Millisecond))
}

func TestRunExperimentRecordsRecovery(t *testing.T) {
	var broken atomic.Bool
	var rolledBack atomic.Bool

	exp := Experiment{
		Name: "flaky",
		SteadyState: []Metric{{
			Name: "errors",
			Query: func(context.Context) (float64, error) {
				if broken.Load() {
					broken.Store(false)
					return 3, nil
				}
				return 0, nil
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Method: []Action{{Target: "svc", Execute: func(context.Context) error {
			broken.Store(true)
			return nil
		}}},
		Rollback: []Action{{Target: "svc", Execute: func(context.Context) error {
			rolledBack.Store(true)
			return nil
		}}},
		Validation: []Assertion{{Metric: "errors", Condition: func(v float64) bool { return v == 0 }, Message: "errors clear"}},
		Duration:   60 * time.Millisecond,
	}

	engine := newTestEngine()
	result, err := engine.RunExperiment(context.Background(), exp)
	require.NoError(t, err)
	assert.True(t, result.SteadyStateValid)
	assert.True(t, result.HypothesisHeld)
	assert.True(t, rolledBack.Load())
	require.Len(t, result.Violations, 1)
	assert.Equal(t, 3.0, result.Violations[0].Actual)
	assert.NotNil(t, result.MTTR)
	assert.Len(t, engine.Results(), 1)
}

func TestRunExperimentAbortsOnInvalidSteadyState(t *testing.T) {
	injected := false
	exp := Experiment{
		Name: "already-broken",
		SteadyState: []Metric{{
			Name:      "errors",
			Query:     func(context.Context) (float64, error) { return 0, errors.New("metrics down") },
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Method:   []Action{{Execute: func(context.Context) error { injected = true; return nil }}},
		Duration: time.Millisecond,
	}

	result, err := newTestEngine().RunExperiment(context.Background(), exp)
	assert.ErrorIs(t, err, ErrSteadyStateInvalid)
	assert.False(t, result.SteadyStateValid)
	assert.False(t, injected)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, -1.0, result.Violations[0].Actual)
}

func TestRunExperimentFailedAssertion(t *testing.T) {
	exp := Experiment{
		Name: "never-observed",
		SteadyState: []Metric{{
			Name:      "latency",
			Query:     func(context.Context) (float64, error) { return 1, nil },
			Threshold: Threshold{Operator: "<", Value: 5},
		}},
		Method:     []Action{{Target: "db", Execute: func(context.Context) error { return errors.New("injection failed") }}},
		Validation: []Assertion{{Metric: "missing", Condition: func(float64) bool { return true }, Message: "missing metric observed"}},
		Duration:   20 * time.Millisecond,
	}

	result, err := newTestEngine().RunExperiment(context.Background(), exp)
	require.NoError(t, err)
	assert.False(t, result.HypothesisHeld)
	assert.Equal(t, []string{"missing metric observed"}, result.FailedAssertions)
	require.NotEmpty(t, result.ErrorEvents)
	assert.Equal(t, "db", result.ErrorEvents[0].Component)
}

func TestGameDayReportsOverallOutcome(t *testing.T) {
	ok := Experiment{
		Name: "ok",
		SteadyState: []Metric{{
			Name:      "m",
			Query:     func(context.Context) (float64, error) { return 0, nil },
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Validation: []Assertion{{Metric: "m", Condition: func(v float64) bool { return v == 0 }}},
		Duration:   30 * time.Millisecond,
	}
	engine := newTestEngine()

	held, err := engine.ExecuteGameDay(context.Background(), GameDay{Name: "test", Scenarios: []Experiment{ok, ok}})
	require.NoError(t, err)
	assert.True(t, held)

	bad := ok
	bad.Validation = []Assertion{{Metric: "m", Condition: func(v float64) bool { return v > 0 }}}
	held, err = engine.ExecuteGameDay(context.Background(), GameDay{Name: "test", Scenarios: []Experiment{ok, bad}})
	require.NoError(t, err)
	assert.False(t, held)
}

func TestProductOutageExperimentAgainstServer(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("X-API-Key"))
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	suite := NewSuite(nil, Target{
		InventoryURL:        srv.URL,
		APIKey:              "k",
		ProductID:           1,
		StopProductService:  func(context.Context) error { down.Store(true); return nil },
		StartProductService: func(context.Context) error { down.Store(false); return nil },
	}, zap.NewNop())

	exp := suite.ProductOutageExperiment()
	exp.Duration = 200 * time.Millisecond

	result, err := newTestEngine().RunExperiment(context.Background(), exp)
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld)
	assert.Empty(t, result.Violations)
	assert.False(t, down.Load(), "rollback restores the product service")
}

func TestSuiteSkipsOutageWithoutHooks(t *testing.T) {
	engine := newTestEngine()
	NewSuite(nil, Target{InventoryURL: "http://localhost"}, zap.NewNop()).Register(engine)

	names := make([]string, 0)
	for _, e := range engine.Experiments() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"concurrent-purchase-oversell", "database-connection-pool-exhaustion"}, names)
}
