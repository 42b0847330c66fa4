package workflow

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/basket/agentorch/internal/condition"
)

// Validate checks the universal DAG invariants from §8: acyclic, exactly
// one Start, at least one End, no self-loops, every non-Start node
// reachable from Start, and unique edge priorities per source node.
func (d *Definition) Validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("workflow: no nodes")
	}

	starts := 0
	ends := 0
	seen := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("workflow: node has empty id")
		}
		if seen[n.ID] {
			return fmt.Errorf("workflow: duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
		switch n.Kind {
		case NodeStart:
			starts++
		case NodeEnd:
			ends++
		case NodeAgent, NodeDelay, NodeApproval:
			// fine
		default:
			return fmt.Errorf("workflow: node %q has unknown kind %q", n.ID, n.Kind)
		}
	}
	if starts != 1 {
		return fmt.Errorf("workflow: expected exactly one Start node, found %d", starts)
	}
	if ends == 0 {
		return fmt.Errorf("workflow: expected at least one End node")
	}

	priorities := map[string]map[int]bool{}
	for _, e := range d.Edges {
		if e.From == e.To {
			return fmt.Errorf("workflow: self-loop on node %q", e.From)
		}
		if !seen[e.From] {
			return fmt.Errorf("workflow: edge references unknown source node %q", e.From)
		}
		if !seen[e.To] {
			return fmt.Errorf("workflow: edge references unknown target node %q", e.To)
		}
		if _, ok := condition.Compile(normalizeCondition(e.Condition), []string{"run", "node", "context"}); ok != nil {
			return fmt.Errorf("workflow: edge %s->%s has invalid condition %q: %w", e.From, e.To, e.Condition, ok)
		}
		if priorities[e.From] == nil {
			priorities[e.From] = map[int]bool{}
		}
		if priorities[e.From][e.Priority] {
			return fmt.Errorf("workflow: node %q has two outgoing edges with priority %d", e.From, e.Priority)
		}
		priorities[e.From][e.Priority] = true
	}

	if err := d.checkAcyclicAndReachable(); err != nil {
		return err
	}
	return nil
}

func (d *Definition) checkAcyclicAndReachable() error {
	adj := map[string][]string{}
	for _, e := range d.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	// Kahn's algorithm: if we can't fully order the nodes, there's a cycle.
	inDegree := map[string]int{}
	for _, n := range d.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range d.Edges {
		inDegree[e.To]++
	}
	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(d.Nodes) {
		return fmt.Errorf("workflow: graph contains a cycle")
	}

	var start string
	for _, n := range d.Nodes {
		if n.Kind == NodeStart {
			start = n.ID
		}
	}
	reachable := map[string]bool{start: true}
	queue = []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, n := range d.Nodes {
		if n.Kind != NodeStart && !reachable[n.ID] {
			return fmt.Errorf("workflow: node %q is not reachable from Start", n.ID)
		}
	}
	return nil
}

// stateComparisonRe matches `run.state`/`node.state` compared against a bare
// identifier (e.g. `run.state == Succeeded`), the shorthand §4.5's condition
// grammar allows for case-insensitive state names.
var stateComparisonRe = regexp.MustCompile(`(run\.state|node\.state)(\s*(?:==|!=)\s*)([A-Za-z_][A-Za-z0-9_]*)`)

// normalizeCondition rewrites the §4.5 condition grammar into CEL the
// compiler can actually run: "" becomes the literal "true", and bare state
// identifiers are lowered and quoted so `run.state == Succeeded` becomes
// `run.state == 'succeeded'`, matched case-insensitively against the
// lowercase state strings supplied at Eval time.
func normalizeCondition(expr string) string {
	if strings.TrimSpace(expr) == "" {
		return "true"
	}
	return stateComparisonRe.ReplaceAllStringFunc(expr, func(m string) string {
		sub := stateComparisonRe.FindStringSubmatch(m)
		ident := sub[3]
		if ident == "true" || ident == "false" {
			return m
		}
		return sub[1] + sub[2] + "'" + strings.ToLower(ident) + "'"
	})
}
