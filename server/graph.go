package server

import (
	"fmt"
	"iter"
	"strings"

	"github.com/matgreaves/stackup/spec"
)

// Graph is the validated dependency graph of a stack. It is immutable once
// built and safe for concurrent use.
type Graph struct {
	stack      spec.Stack
	index      map[string]int
	deps       [][]spec.Dependency // by declaration index, unknown optional edges removed
	dependents [][]string
	oneShot    []bool
	order      []string
	levels     []int
}

// BuildGraph validates the stack and computes its launch order. All
// problems are reported together in a *ConfigError.
func BuildGraph(stack spec.Stack) (*Graph, error) {
	cerr := &ConfigError{}
	n := len(stack.Services)
	g := &Graph{
		stack:      stack,
		index:      make(map[string]int, n),
		deps:       make([][]spec.Dependency, n),
		dependents: make([][]string, n),
		oneShot:    make([]bool, n),
	}

	if n == 0 {
		cerr.add(ErrConfig, "stack must have at least one service")
	}
	for i, svc := range stack.Services {
		switch {
		case svc.Name == "":
			cerr.add(ErrConfig, "service %d: name is required", i)
		case svc.Index != i:
			cerr.add(ErrConfig, "service %q: index %d does not match declaration position %d", svc.Name, svc.Index, i)
		}
		if _, dup := g.index[svc.Name]; dup {
			cerr.add(ErrConfig, "service %q: declared more than once", svc.Name)
			continue
		}
		g.index[svc.Name] = i
	}
	if len(cerr.Problems) > 0 {
		return nil, cerr
	}

	names := stack.Names()
	for i, svc := range stack.Services {
		for _, dep := range svc.DependsOn {
			if dep.Service == svc.Name {
				cerr.add(ErrCyclicDependency, "cycle detected: %s → %s", svc.Name, svc.Name)
				continue
			}
			if _, ok := g.index[dep.Service]; !ok {
				if !dep.Required {
					continue
				}
				msg := fmt.Sprintf("service %q: depends on unknown service %q", svc.Name, dep.Service)
				if suggestion := closestMatch(dep.Service, names); suggestion != "" {
					msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
				}
				cerr.add(ErrUnknownPrerequisite, "%s", msg)
				continue
			}
			switch dep.Condition {
			case spec.ConditionStarted, spec.ConditionHealthy, spec.ConditionCompletedSuccessfully:
			default:
				cerr.add(ErrConfig, "service %q: unknown condition %q on %q", svc.Name, dep.Condition, dep.Service)
				continue
			}
			g.deps[i] = append(g.deps[i], dep)
		}
		cerr.Problems = append(cerr.Problems, checkResources(stack, svc)...)
	}

	for i, svc := range stack.Services {
		for _, dep := range g.deps[i] {
			j := g.index[dep.Service]
			g.dependents[j] = append(g.dependents[j], svc.Name)
			if dep.Condition == spec.ConditionCompletedSuccessfully {
				g.oneShot[j] = true
			}
		}
	}
	cerr.Problems = append(cerr.Problems, g.checkConditions()...)

	if cycle := g.detectCycle(); cycle != "" {
		cerr.add(ErrCyclicDependency, "%s", cycle)
	}
	if err := cerr.orNil(); err != nil {
		return nil, err
	}

	g.order = g.topoOrder()
	g.levels = g.computeLevels()
	return g, nil
}

func checkResources(stack spec.Stack, svc spec.Service) []Problem {
	var out []Problem
	for _, m := range svc.Volumes {
		if m.Bind || m.Source == "" {
			continue
		}
		if _, ok := stack.Volumes[m.Source]; !ok {
			out = append(out, Problem{
				Kind:    ErrUnknownResource,
				Message: fmt.Sprintf("service %q: volume %q is not declared under volumes", svc.Name, m.Source),
			})
		}
	}
	for _, net := range svc.Networks {
		if net == spec.DefaultNetwork {
			continue
		}
		if _, ok := stack.Networks[net]; !ok {
			out = append(out, Problem{
				Kind:    ErrUnknownResource,
				Message: fmt.Sprintf("service %q: network %q is not declared under networks", svc.Name, net),
			})
		}
	}
	return out
}

// checkConditions rejects services that dependents gate on both healthy and
// completed_successfully: a one-shot task never becomes healthy.
func (g *Graph) checkConditions() []Problem {
	var out []Problem
	for j, svc := range g.stack.Services {
		if !g.oneShot[j] {
			continue
		}
		for i, deps := range g.deps {
			for _, dep := range deps {
				if dep.Service == svc.Name && dep.Condition == spec.ConditionHealthy {
					out = append(out, Problem{
						Kind: ErrConflictingConditions,
						Message: fmt.Sprintf("service %q: gated on both healthy (by %q) and completed_successfully",
							svc.Name, g.stack.Services[i].Name),
					})
				}
			}
		}
	}
	return out
}

// detectCycle walks the dependency graph depth first in declaration order
// and returns a description of the first cycle found, or "".
func (g *Graph) detectCycle() string {
	const (
		unvisited = iota
		visiting
		visited
	)
	n := len(g.stack.Services)
	state := make([]int, n)
	parent := make([]int, n)

	var dfs func(i int) string
	dfs = func(i int) string {
		state[i] = visiting
		for _, dep := range g.deps[i] {
			j := g.index[dep.Service]
			switch state[j] {
			case visiting:
				path := []string{g.stack.Services[j].Name}
				for cur := i; cur != j; cur = parent[cur] {
					path = append(path, g.stack.Services[cur].Name)
				}
				path = append(path, g.stack.Services[j].Name)
				// path runs prerequisite to dependent; reverse it to read
				// "depends on" left to right.
				for a, b := 0, len(path)-1; a < b; a, b = a+1, b-1 {
					path[a], path[b] = path[b], path[a]
				}
				return "cycle detected: " + strings.Join(path, " → ")
			case unvisited:
				parent[j] = i
				if msg := dfs(j); msg != "" {
					return msg
				}
			}
		}
		state[i] = visited
		return ""
	}

	for i := range n {
		if state[i] == unvisited {
			if msg := dfs(i); msg != "" {
				return msg
			}
		}
	}
	return ""
}

// topoOrder is Kahn's algorithm with ties broken by declaration index.
func (g *Graph) topoOrder() []string {
	n := len(g.stack.Services)
	remaining := make([]int, n)
	for i := range n {
		remaining[i] = len(g.deps[i])
	}
	done := make([]bool, n)
	order := make([]string, 0, n)
	for len(order) < n {
		for i := range n {
			if done[i] || remaining[i] > 0 {
				continue
			}
			done[i] = true
			name := g.stack.Services[i].Name
			order = append(order, name)
			for _, d := range g.dependents[i] {
				remaining[g.index[d]]--
			}
			break
		}
	}
	return order
}

// computeLevels assigns each service 1 + the highest level of its
// prerequisites. Services without prerequisites are level 0.
func (g *Graph) computeLevels() []int {
	levels := make([]int, len(g.stack.Services))
	for _, name := range g.order {
		i := g.index[name]
		for _, dep := range g.deps[i] {
			levels[i] = max(levels[i], levels[g.index[dep.Service]]+1)
		}
	}
	return levels
}

// Stack returns the stack the graph was built from.
func (g *Graph) Stack() spec.Stack { return g.stack }

// Services returns the services in declaration order.
func (g *Graph) Services() []spec.Service { return g.stack.Services }

// Service returns the named service.
func (g *Graph) Service(name string) (spec.Service, bool) {
	i, ok := g.index[name]
	if !ok {
		return spec.Service{}, false
	}
	return g.stack.Services[i], true
}

// Order returns a deterministic topological launch order.
func (g *Graph) Order() []string { return g.order }

// Prerequisites returns the edges of the named service, excluding optional
// edges to services not in the stack.
func (g *Graph) Prerequisites(name string) []spec.Dependency {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.deps[i]
}

// Dependents returns the services that depend on name, in declaration order.
func (g *Graph) Dependents(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.dependents[i]
}

// IsOneShot reports whether any dependent gates name on completed_successfully.
func (g *Graph) IsOneShot(name string) bool {
	i, ok := g.index[name]
	return ok && g.oneShot[i]
}

// TeardownLevels groups services so that every dependent appears in an
// earlier level than its prerequisites. Within a level services are in
// declaration order and may be stopped concurrently.
func (g *Graph) TeardownLevels() [][]string {
	top := 0
	for _, l := range g.levels {
		top = max(top, l)
	}
	out := make([][]string, top+1)
	for i, svc := range g.stack.Services {
		lvl := top - g.levels[i]
		out[lvl] = append(out[lvl], svc.Name)
	}
	return out
}

// ReadyToLaunch yields, in declaration order, every pending service whose
// prerequisites are all satisfied in snap. It is a pure function of snap.
func (g *Graph) ReadyToLaunch(snap Snapshot) iter.Seq[string] {
	return func(yield func(string) bool) {
		for i, st := range snap.Services {
			if st.Phase != spec.PhasePending || i >= len(g.deps) {
				continue
			}
			if g.allSatisfied(i, snap) && !yield(st.Name) {
				return
			}
		}
	}
}

func (g *Graph) allSatisfied(i int, snap Snapshot) bool {
	for _, dep := range g.deps[i] {
		pre := snap.Services[g.index[dep.Service]]
		if Satisfied(dep, pre) {
			continue
		}
		if !dep.Required && Unsatisfiable(dep, pre) {
			continue
		}
		return false
	}
	return true
}

// Unreachable yields each pending service with a required prerequisite that
// can no longer satisfy its condition, and the reason. Blocking is
// transitive across repeated calls: a newly blocked service makes its own
// dependents unreachable.
func (g *Graph) Unreachable(snap Snapshot) iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for i, st := range snap.Services {
			if st.Phase != spec.PhasePending || i >= len(g.deps) {
				continue
			}
			for _, dep := range g.deps[i] {
				pre := snap.Services[g.index[dep.Service]]
				if !dep.Required || !Unsatisfiable(dep, pre) {
					continue
				}
				if !yield(st.Name, blockReason(dep, pre)) {
					return
				}
				break
			}
		}
	}
}

func blockReason(dep spec.Dependency, pre ServiceState) string {
	switch pre.Phase {
	case spec.PhaseExited:
		code := 0
		if pre.ExitCode != nil {
			code = *pre.ExitCode
		}
		return fmt.Sprintf("prerequisite %s exited with code %d (needs %s)", dep.Service, code, dep.Condition)
	default:
		return fmt.Sprintf("prerequisite %s %s", dep.Service, pre.Phase)
	}
}

// Satisfied reports whether pre currently meets dep's condition.
func Satisfied(dep spec.Dependency, pre ServiceState) bool {
	switch dep.Condition {
	case spec.ConditionStarted:
		return pre.Started
	case spec.ConditionHealthy:
		return pre.Phase == spec.PhaseHealthy
	case spec.ConditionCompletedSuccessfully:
		return pre.Phase == spec.PhaseExited && !pre.Restarting && pre.ExitCode != nil && *pre.ExitCode == 0
	}
	return false
}

// Unsatisfiable reports whether pre can never meet dep's condition without
// an external restart.
func Unsatisfiable(dep spec.Dependency, pre ServiceState) bool {
	switch pre.Phase {
	case spec.PhaseFailed, spec.PhaseBlocked, spec.PhaseStopped:
		return dep.Condition != spec.ConditionStarted || !pre.Started
	case spec.PhaseExited:
		if pre.Restarting {
			return false
		}
		switch dep.Condition {
		case spec.ConditionHealthy:
			return true
		case spec.ConditionCompletedSuccessfully:
			return pre.ExitCode == nil || *pre.ExitCode != 0
		}
	}
	return false
}

// closestMatch returns the name closest to target by edit distance, or ""
// if none is within half the target's length.
func closestMatch(target string, names []string) string {
	best := ""
	bestDist := len(target)/2 + 1
	for _, name := range names {
		if d := editDistance(target, name); d < bestDist {
			bestDist = d
			best = name
		}
	}
	return best
}

func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
