package definition

import (
	"fmt"
)

// Graph is a validated definition document with derived structure: node
// lookup, reverse dependency edges, and the inner-node set (loop and map
// targets, which never run as top-level nodes).
type Graph struct {
	Workflow *Workflow

	nodes      map[string]*Node
	order      []string
	dependents map[string][]string
	inner      map[string]bool
}

// NewGraph validates a workflow document and derives the graph structure.
func NewGraph(wf *Workflow) (*Graph, error) {
	if len(wf.Nodes) == 0 {
		return nil, fmt.Errorf("workflow has no nodes")
	}

	g := &Graph{
		Workflow:   wf,
		nodes:      make(map[string]*Node, len(wf.Nodes)),
		order:      make([]string, 0, len(wf.Nodes)),
		dependents: make(map[string][]string),
		inner:      make(map[string]bool),
	}

	for _, node := range wf.Nodes {
		if node.ID == "" {
			return nil, fmt.Errorf("node with empty id")
		}
		if _, dup := g.nodes[node.ID]; dup {
			return nil, fmt.Errorf("duplicate node id: %s", node.ID)
		}
		g.nodes[node.ID] = node
		g.order = append(g.order, node.ID)
	}

	for _, node := range wf.Nodes {
		if err := g.validateNode(node); err != nil {
			return nil, err
		}
	}

	// Inner marking happens before the reachability and cycle passes so
	// both can exclude loop/map bodies.
	for _, node := range wf.Nodes {
		if node.Type == NodeLoop || node.Type == NodeMap {
			g.inner[node.Target] = true
		}
	}

	for _, node := range wf.Nodes {
		for _, dep := range node.DependsOn {
			if g.inner[dep] {
				return nil, fmt.Errorf("node %s: depends on inner node %s", node.ID, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], node.ID)
		}
		if err := g.checkInnerReferences(node); err != nil {
			return nil, err
		}
	}

	if err := g.checkReachability(); err != nil {
		return nil, err
	}
	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

// validateNode enforces the per-type shape and checks every node reference.
func (g *Graph) validateNode(node *Node) error {
	for _, dep := range node.DependsOn {
		if _, ok := g.nodes[dep]; !ok {
			return fmt.Errorf("node %s: depends_on references unknown node %s", node.ID, dep)
		}
	}

	switch node.Type {
	case NodeAgent:
		if node.AgentName == "" {
			return fmt.Errorf("node %s: agent node requires agent_name", node.ID)
		}
		if node.TimeoutSeconds < 0 {
			return fmt.Errorf("node %s: timeout_seconds must not be negative", node.ID)
		}

	case NodeConditional:
		if node.Condition == "" {
			return fmt.Errorf("node %s: conditional node requires condition", node.ID)
		}
		if node.TrueBranch == "" {
			return fmt.Errorf("node %s: conditional node requires true_branch", node.ID)
		}
		if _, ok := g.nodes[node.TrueBranch]; !ok {
			return fmt.Errorf("node %s: true_branch references unknown node %s", node.ID, node.TrueBranch)
		}
		if node.FalseBranch != "" {
			if _, ok := g.nodes[node.FalseBranch]; !ok {
				return fmt.Errorf("node %s: false_branch references unknown node %s", node.ID, node.FalseBranch)
			}
		}

	case NodeSwitch:
		if len(node.Cases) == 0 {
			return fmt.Errorf("node %s: switch node requires at least one case", node.ID)
		}
		for i, c := range node.Cases {
			if c.Condition == "" {
				return fmt.Errorf("node %s: case %d has no condition", node.ID, i)
			}
			if _, ok := g.nodes[c.Node]; !ok {
				return fmt.Errorf("node %s: case %d references unknown node %s", node.ID, i, c.Node)
			}
		}
		if node.Default != "" {
			if _, ok := g.nodes[node.Default]; !ok {
				return fmt.Errorf("node %s: default references unknown node %s", node.ID, node.Default)
			}
		}

	case NodeJoin:
		if len(node.WaitFor) == 0 {
			return fmt.Errorf("node %s: join node requires wait_for", node.ID)
		}
		for _, target := range node.WaitFor {
			if _, ok := g.nodes[target]; !ok {
				return fmt.Errorf("node %s: wait_for references unknown node %s", node.ID, target)
			}
		}
		switch node.Strategy {
		case JoinAll, JoinAny:
		case JoinNOfM:
			if node.N < 1 || node.N > len(node.WaitFor) {
				return fmt.Errorf("node %s: n_of_m join requires 1 <= n <= %d, got %d", node.ID, len(node.WaitFor), node.N)
			}
		default:
			return fmt.Errorf("node %s: unknown join strategy %q", node.ID, node.Strategy)
		}

	case NodeLoop:
		if node.Target == "" {
			return fmt.Errorf("node %s: loop node requires node", node.ID)
		}
		inner, ok := g.nodes[node.Target]
		if !ok {
			return fmt.Errorf("node %s: loop references unknown node %s", node.ID, node.Target)
		}
		if inner.Type != NodeAgent {
			return fmt.Errorf("node %s: loop target %s must be an agent node", node.ID, node.Target)
		}
		if node.Condition == "" {
			return fmt.Errorf("node %s: loop node requires condition", node.ID)
		}
		if node.MaxIterations < 0 {
			return fmt.Errorf("node %s: max_iterations must not be negative", node.ID)
		}
		if node.DelaySeconds < 0 {
			return fmt.Errorf("node %s: delay must not be negative", node.ID)
		}

	case NodeFork:
		if len(node.Branches) == 0 {
			return fmt.Errorf("node %s: fork node requires at least one branch", node.ID)
		}
		seen := make(map[string]bool, len(node.Branches))
		for i, b := range node.Branches {
			if b.ID == "" {
				return fmt.Errorf("node %s: branch %d has no id", node.ID, i)
			}
			if seen[b.ID] {
				return fmt.Errorf("node %s: duplicate branch id %s", node.ID, b.ID)
			}
			seen[b.ID] = true
			// Branch ids become node ids in execution state.
			if _, clash := g.nodes[b.ID]; clash {
				return fmt.Errorf("node %s: branch id %s collides with a node id", node.ID, b.ID)
			}
			if b.AgentName == "" {
				return fmt.Errorf("node %s: branch %s requires agent_name", node.ID, b.ID)
			}
			if b.OutputKey == "" {
				return fmt.Errorf("node %s: branch %s requires output_key", node.ID, b.ID)
			}
		}

	case NodeMap:
		if node.Items == nil {
			return fmt.Errorf("node %s: map node requires items", node.ID)
		}
		if node.Target == "" {
			return fmt.Errorf("node %s: map node requires node", node.ID)
		}
		inner, ok := g.nodes[node.Target]
		if !ok {
			return fmt.Errorf("node %s: map references unknown node %s", node.ID, node.Target)
		}
		if inner.Type != NodeAgent {
			return fmt.Errorf("node %s: map target %s must be an agent node", node.ID, node.Target)
		}
		if node.ConcurrencyLimit < 0 {
			return fmt.Errorf("node %s: concurrency_limit must not be negative", node.ID)
		}
		if node.MaxItems < 0 {
			return fmt.Errorf("node %s: max_items must not be negative", node.ID)
		}

	default:
		return fmt.Errorf("node %s: unknown node type %q", node.ID, node.Type)
	}

	return nil
}

// checkInnerReferences rejects control references into loop/map bodies.
// Inner nodes only complete under per-iteration child ids, so a branch or
// wait target pointing at one would never fire.
func (g *Graph) checkInnerReferences(node *Node) error {
	switch node.Type {
	case NodeConditional:
		if g.inner[node.TrueBranch] {
			return fmt.Errorf("node %s: true_branch targets inner node %s", node.ID, node.TrueBranch)
		}
		if node.FalseBranch != "" && g.inner[node.FalseBranch] {
			return fmt.Errorf("node %s: false_branch targets inner node %s", node.ID, node.FalseBranch)
		}
	case NodeSwitch:
		for i, c := range node.Cases {
			if g.inner[c.Node] {
				return fmt.Errorf("node %s: case %d targets inner node %s", node.ID, i, c.Node)
			}
		}
		if node.Default != "" && g.inner[node.Default] {
			return fmt.Errorf("node %s: default targets inner node %s", node.ID, node.Default)
		}
	case NodeJoin:
		for _, target := range node.WaitFor {
			if g.inner[target] {
				return fmt.Errorf("node %s: wait_for targets inner node %s", node.ID, target)
			}
		}
	}
	return nil
}

// checkReachability verifies every non-inner node is reachable from a
// zero-dependency root, following dependency edges, branch targets and
// wait-for lists.
func (g *Graph) checkReachability() error {
	reached := make(map[string]bool, len(g.order))

	var visit func(id string)
	visit = func(id string) {
		if reached[id] {
			return
		}
		reached[id] = true
		for _, next := range g.forwardEdges(id) {
			visit(next)
		}
	}

	for _, id := range g.order {
		node := g.nodes[id]
		if !g.inner[id] && len(node.DependsOn) == 0 {
			visit(id)
		}
	}

	for _, id := range g.order {
		if !g.inner[id] && !reached[id] {
			return fmt.Errorf("node %s: unreachable from any root", id)
		}
	}
	return nil
}

// detectCycles runs a DFS with a recursion stack over the non-inner graph.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool, len(g.order))
	recStack := make(map[string]bool, len(g.order))

	var visit func(id string) error
	visit = func(id string) error {
		visited[id] = true
		recStack[id] = true

		for _, next := range g.forwardEdges(id) {
			if g.inner[next] {
				continue
			}
			if recStack[next] {
				return fmt.Errorf("cycle detected involving node %s", next)
			}
			if !visited[next] {
				if err := visit(next); err != nil {
					return err
				}
			}
		}

		recStack[id] = false
		return nil
	}

	for _, id := range g.order {
		if g.inner[id] || visited[id] {
			continue
		}
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// forwardEdges lists the ids execution can move to after id: dependents,
// conditional/switch branch targets, and joins waiting on id.
func (g *Graph) forwardEdges(id string) []string {
	node := g.nodes[id]
	edges := make([]string, 0, len(g.dependents[id])+2)
	edges = append(edges, g.dependents[id]...)

	switch node.Type {
	case NodeConditional:
		edges = append(edges, node.TrueBranch)
		if node.FalseBranch != "" {
			edges = append(edges, node.FalseBranch)
		}
	case NodeSwitch:
		for _, c := range node.Cases {
			edges = append(edges, c.Node)
		}
		if node.Default != "" {
			edges = append(edges, node.Default)
		}
	}

	for _, other := range g.order {
		candidate := g.nodes[other]
		if candidate.Type != NodeJoin {
			continue
		}
		for _, target := range candidate.WaitFor {
			if target == id {
				edges = append(edges, other)
				break
			}
		}
	}

	return edges
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// Nodes returns all nodes in document order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Dependents returns the ids that list id in depends_on.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// IsInner reports whether id is a loop or map body.
func (g *Graph) IsInner(id string) bool {
	return g.inner[id]
}

// Roots returns the non-inner nodes with no dependencies, in document order.
func (g *Graph) Roots() []string {
	roots := make([]string, 0, 2)
	for _, id := range g.order {
		if !g.inner[id] && len(g.nodes[id].DependsOn) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Len returns the number of nodes in the document.
func (g *Graph) Len() int {
	return len(g.order)
}
