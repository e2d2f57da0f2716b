package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_DiamondWithConditional(t *testing.T) {
	doc := `{
		"description": "diamond",
		"nodes": [
			{"id": "a", "type": "agent", "agent_name": "researcher"},
			{"id": "b", "type": "conditional", "depends_on": ["a"],
			 "condition": "{{a.output.ok}} == true", "true_branch": "c", "false_branch": "d"},
			{"id": "c", "type": "agent", "agent_name": "writer", "depends_on": ["b"]},
			{"id": "d", "type": "agent", "agent_name": "editor", "depends_on": ["b"]},
			{"id": "e", "type": "agent", "agent_name": "publisher", "depends_on": ["c", "d"]}
		],
		"output_mapping": {"result": "{{e.output.value}}"}
	}`

	graph, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, 5, graph.Len())
	assert.Equal(t, []string{"a"}, graph.Roots())
	assert.Equal(t, []string{"b"}, graph.Dependents("a"))
	assert.ElementsMatch(t, []string{"c", "d"}, graph.Dependents("b"))
	assert.Equal(t, []string{"e"}, graph.Dependents("c"))

	node, ok := graph.Node("b")
	require.True(t, ok)
	assert.Equal(t, NodeConditional, node.Type)
	assert.Equal(t, "c", node.TrueBranch)
}

func TestParse_LoopAndMapTargetsAreInner(t *testing.T) {
	doc := `{
		"nodes": [
			{"id": "seed", "type": "agent", "agent_name": "lister"},
			{"id": "each", "type": "map", "depends_on": ["seed"],
			 "items": "{{seed.output.items}}", "node": "worker", "concurrency_limit": 2},
			{"id": "refine", "type": "loop", "depends_on": ["each"],
			 "condition": "{{polisher.output.done}} == false", "node": "polisher", "max_iterations": 3},
			{"id": "worker", "type": "agent", "agent_name": "summarizer"},
			{"id": "polisher", "type": "agent", "agent_name": "polisher"}
		]
	}`

	graph, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.True(t, graph.IsInner("worker"))
	assert.True(t, graph.IsInner("polisher"))
	assert.False(t, graph.IsInner("each"))
	// Inner nodes never appear as roots even with zero dependencies.
	assert.Equal(t, []string{"seed"}, graph.Roots())
}

func TestParse_DuplicateNodeID(t *testing.T) {
	doc := `{"nodes": [
		{"id": "a", "type": "agent", "agent_name": "x"},
		{"id": "a", "type": "agent", "agent_name": "y"}
	]}`

	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node id")
}

func TestParse_UnknownReferences(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "depends_on",
			doc:  `{"nodes": [{"id": "a", "type": "agent", "agent_name": "x", "depends_on": ["ghost"]}]}`,
			want: "depends_on references unknown node ghost",
		},
		{
			name: "true_branch",
			doc: `{"nodes": [
				{"id": "a", "type": "agent", "agent_name": "x"},
				{"id": "b", "type": "conditional", "depends_on": ["a"], "condition": "true", "true_branch": "ghost"}
			]}`,
			want: "true_branch references unknown node ghost",
		},
		{
			name: "wait_for",
			doc: `{"nodes": [
				{"id": "a", "type": "agent", "agent_name": "x"},
				{"id": "j", "type": "join", "wait_for": ["ghost"], "strategy": "all"}
			]}`,
			want: "wait_for references unknown node ghost",
		},
		{
			name: "map node",
			doc: `{"nodes": [
				{"id": "m", "type": "map", "items": "{{workflow.input.items}}", "node": "ghost"}
			]}`,
			want: "map references unknown node ghost",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParse_ShapeErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "agent without agent_name",
			doc:  `{"nodes": [{"id": "a", "type": "agent"}]}`,
			want: "requires agent_name",
		},
		{
			name: "conditional without true_branch",
			doc: `{"nodes": [
				{"id": "a", "type": "agent", "agent_name": "x"},
				{"id": "b", "type": "conditional", "depends_on": ["a"], "condition": "true"}
			]}`,
			want: "requires true_branch",
		},
		{
			name: "switch without cases",
			doc: `{"nodes": [
				{"id": "a", "type": "agent", "agent_name": "x"},
				{"id": "s", "type": "switch", "depends_on": ["a"]}
			]}`,
			want: "requires at least one case",
		},
		{
			name: "n_of_m without valid n",
			doc: `{"nodes": [
				{"id": "a", "type": "agent", "agent_name": "x"},
				{"id": "b", "type": "agent", "agent_name": "y"},
				{"id": "j", "type": "join", "wait_for": ["a", "b"], "strategy": "n_of_m", "n": 3}
			]}`,
			want: "n_of_m join requires 1 <= n <= 2",
		},
		{
			name: "unknown join strategy",
			doc: `{"nodes": [
				{"id": "a", "type": "agent", "agent_name": "x"},
				{"id": "j", "type": "join", "wait_for": ["a"], "strategy": "most"}
			]}`,
			want: "unknown join strategy",
		},
		{
			name: "empty fork",
			doc:  `{"nodes": [{"id": "f", "type": "fork"}]}`,
			want: "requires at least one branch",
		},
		{
			name: "fork branch id collides with node id",
			doc: `{"nodes": [
				{"id": "a", "type": "agent", "agent_name": "x"},
				{"id": "f", "type": "fork", "depends_on": ["a"], "branches": [
					{"id": "a", "agent_name": "y", "output_key": "ka"}
				]}
			]}`,
			want: "collides with a node id",
		},
		{
			name: "map without items",
			doc: `{"nodes": [
				{"id": "w", "type": "agent", "agent_name": "x"},
				{"id": "m", "type": "map", "node": "w"}
			]}`,
			want: "map node requires items",
		},
		{
			name: "loop target must be agent",
			doc: `{"nodes": [
				{"id": "a", "type": "agent", "agent_name": "x"},
				{"id": "j", "type": "join", "wait_for": ["a"], "strategy": "all"},
				{"id": "l", "type": "loop", "depends_on": ["a"], "condition": "true", "node": "j"}
			]}`,
			want: "must be an agent node",
		},
		{
			name: "unknown node type",
			doc:  `{"nodes": [{"id": "a", "type": "teleport"}]}`,
			want: "unknown node type",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestNewGraph_RejectsDependencyOnInnerNode(t *testing.T) {
	doc := `{"nodes": [
		{"id": "m", "type": "map", "items": "{{workflow.input.items}}", "node": "w"},
		{"id": "w", "type": "agent", "agent_name": "x"},
		{"id": "after", "type": "agent", "agent_name": "y", "depends_on": ["w"]}
	]}`

	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on inner node w")
}

func TestNewGraph_RejectsWaitForInnerNode(t *testing.T) {
	doc := `{"nodes": [
		{"id": "l", "type": "loop", "condition": "true", "node": "w"},
		{"id": "w", "type": "agent", "agent_name": "x"},
		{"id": "j", "type": "join", "depends_on": ["l"], "wait_for": ["w"], "strategy": "all"}
	]}`

	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wait_for targets inner node w")
}

func TestNewGraph_DetectsCycle(t *testing.T) {
	doc := `{"nodes": [
		{"id": "a", "type": "agent", "agent_name": "x"},
		{"id": "b", "type": "agent", "agent_name": "y", "depends_on": ["a", "d"]},
		{"id": "c", "type": "agent", "agent_name": "z", "depends_on": ["b"]},
		{"id": "d", "type": "agent", "agent_name": "w", "depends_on": ["c"]}
	]}`

	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle detected")
}

func TestNewGraph_DetectsUnreachableNode(t *testing.T) {
	// b and c form an island with no zero-dependency entry point.
	doc := `{"nodes": [
		{"id": "a", "type": "agent", "agent_name": "x"},
		{"id": "b", "type": "agent", "agent_name": "y", "depends_on": ["c"]},
		{"id": "c", "type": "agent", "agent_name": "z", "depends_on": ["b"]}
	]}`

	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable from any root")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/workflow.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read workflow definition")
}
