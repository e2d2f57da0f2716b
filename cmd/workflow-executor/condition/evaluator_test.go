package condition

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource map[string]any

func (m mapSource) NodeOutput(id string) (any, bool) {
	v, ok := m[id]
	return v, ok
}

func entry(output any) map[string]any {
	return map[string]any{"output": output}
}

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator()
	require.NoError(t, err)
	return ev
}

func TestEvaluate_Comparisons(t *testing.T) {
	ev := newTestEvaluator(t)
	src := mapSource{
		"scorer": entry(map[string]any{"score": float64(42), "label": "ok"}),
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`{{scorer.output.score}} > 10`, true},
		{`{{scorer.output.score}} >= 42`, true},
		{`{{scorer.output.score}} < 42`, false},
		{`{{scorer.output.score}} == 42`, true},
		{`{{scorer.output.score}} != 42`, false},
		{`{{scorer.output.label}} == "ok"`, true},
		{`{{scorer.output.label}} == "bad"`, false},
	}
	for _, tc := range cases {
		got, err := ev.Evaluate(tc.expr, src)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvaluate_LogicalOperators(t *testing.T) {
	ev := newTestEvaluator(t)
	src := mapSource{
		"check": entry(map[string]any{"passed": true, "count": float64(3)}),
	}

	got, err := ev.Evaluate(`{{check.output.passed}} == true && {{check.output.count}} < 5`, src)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = ev.Evaluate(`{{check.output.count}} > 5 || {{check.output.passed}}`, src)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = ev.Evaluate(`!({{check.output.passed}})`, src)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluate_NullComparison(t *testing.T) {
	ev := newTestEvaluator(t)
	src := mapSource{}

	// A template addressing a node that never produced output resolves to
	// null rather than failing.
	got, err := ev.Evaluate(`{{missing.output}} == null`, src)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluate_MissingFieldOnPresentNodeFails(t *testing.T) {
	ev := newTestEvaluator(t)
	src := mapSource{
		"scorer": entry(map[string]any{"score": float64(1)}),
	}

	_, err := ev.Evaluate(`{{scorer.output.rating}} > 0`, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no value")
}

func TestEvaluate_NonBooleanResult(t *testing.T) {
	ev := newTestEvaluator(t)

	_, err := ev.Evaluate(`1 + 1`, mapSource{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not return a boolean")
}

func TestEvaluate_InvalidSyntax(t *testing.T) {
	ev := newTestEvaluator(t)

	_, err := ev.Evaluate(`((({{a.output}}`, mapSource{})
	require.Error(t, err)
}

func TestEvaluate_CacheReusedAcrossValues(t *testing.T) {
	ev := newTestEvaluator(t)
	expr := `{{gate.output.open}} == true`

	got, err := ev.Evaluate(expr, mapSource{"gate": entry(map[string]any{"open": true})})
	require.NoError(t, err)
	assert.True(t, got)

	// Same expression with different data reuses the compiled program; only
	// the bound variables change.
	got, err = ev.Evaluate(expr, mapSource{"gate": entry(map[string]any{"open": false})})
	require.NoError(t, err)
	assert.False(t, got)

	assert.Equal(t, 1, ev.CacheSize())
}

func TestEvaluate_DistinctExpressionsCachedSeparately(t *testing.T) {
	ev := newTestEvaluator(t)
	src := mapSource{"n": entry(map[string]any{"v": float64(7)})}

	for i := 0; i < 3; i++ {
		expr := fmt.Sprintf(`{{n.output.v}} > %d`, i)
		_, err := ev.Evaluate(expr, src)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, ev.CacheSize())
}

func BenchmarkEvaluate(b *testing.B) {
	ev, err := NewEvaluator()
	if err != nil {
		b.Fatal(err)
	}
	src := mapSource{
		"scorer": entry(map[string]any{"score": float64(42)}),
	}
	expr := `{{scorer.output.score}} > 10 && {{scorer.output.score}} < 100`

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ev.Evaluate(expr, src); err != nil {
			b.Fatal(err)
		}
	}
}
