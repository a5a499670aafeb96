package depgraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"finsched/internal/fault"
)

// Graph tracks declared dependencies between jobs and answers readiness and
// ordering queries. It is not safe for concurrent use; the scheduler core
// owns it and serializes access (registration holds the registry write lock).
type Graph struct {
	deps map[string][]string // job -> its dependencies
	rdep map[string][]string // job -> jobs depending on it
}

// CycleError names the dependency cycle that caused a registration to fail.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// SuccessFn reports whether jobID has a successful run recorded at-or-before
// asOf. Supplied by the caller so the graph stays free of storage concerns.
type SuccessFn func(jobID string, asOf time.Time) bool

func New() *Graph {
	return &Graph{
		deps: map[string][]string{},
		rdep: map[string][]string{},
	}
}

// Add inserts jobID with its dependencies. Dependencies must already be
// present. On any failure the graph is left unchanged.
func (g *Graph) Add(jobID string, deps []string) error {
	if strings.TrimSpace(jobID) == "" {
		return errors.New("job id required")
	}
	if _, ok := g.deps[jobID]; ok {
		return fmt.Errorf("job %q already registered", jobID)
	}
	seen := map[string]bool{}
	for _, d := range deps {
		if d == jobID {
			return fault.WithKind(fault.KindCyclicDependency, &CycleError{Cycle: []string{jobID, jobID}})
		}
		if _, ok := g.deps[d]; !ok {
			return fmt.Errorf("job %q depends on unknown job %q", jobID, d)
		}
		if seen[d] {
			return fmt.Errorf("job %q declares dependency %q twice", jobID, d)
		}
		seen[d] = true
	}

	// Dependencies must already exist and existing nodes cannot gain edges, so
	// inserting jobID can only close a cycle through jobID itself, which the
	// self-dependency check above already rejects. The DFS below still guards
	// the invariant for graphs rebuilt from persisted definitions.
	g.deps[jobID] = append([]string(nil), deps...)
	if cycle := g.findCycle(jobID); cycle != nil {
		delete(g.deps, jobID)
		return fault.WithKind(fault.KindCyclicDependency, &CycleError{Cycle: cycle})
	}
	for _, d := range deps {
		g.rdep[d] = append(g.rdep[d], jobID)
	}
	return nil
}

// Remove deletes jobID. It fails while other jobs still depend on it.
func (g *Graph) Remove(jobID string) error {
	if _, ok := g.deps[jobID]; !ok {
		return fmt.Errorf("job %q not registered", jobID)
	}
	if n := len(g.rdep[jobID]); n > 0 {
		return fmt.Errorf("job %q still has %d dependent(s)", jobID, n)
	}
	for _, d := range g.deps[jobID] {
		out := g.rdep[d][:0]
		for _, r := range g.rdep[d] {
			if r != jobID {
				out = append(out, r)
			}
		}
		g.rdep[d] = out
	}
	delete(g.deps, jobID)
	delete(g.rdep, jobID)
	return nil
}

// Contains reports whether jobID is registered.
func (g *Graph) Contains(jobID string) bool {
	_, ok := g.deps[jobID]
	return ok
}

// Deps returns the declared dependencies of jobID.
func (g *Graph) Deps(jobID string) []string {
	return append([]string(nil), g.deps[jobID]...)
}

// IsReady reports whether every dependency of jobID succeeded at-or-before
// asOf. Jobs with no dependencies are always ready.
func (g *Graph) IsReady(jobID string, asOf time.Time, succeeded SuccessFn) bool {
	for _, d := range g.deps[jobID] {
		if succeeded == nil || !succeeded(d, asOf) {
			return false
		}
	}
	return true
}

// Order sorts jobIDs into dependency order: a job runs after everything it
// depends on, ties broken by ascending job id for determinism.
func (g *Graph) Order(jobIDs []string) []string {
	in := map[string]bool{}
	for _, id := range jobIDs {
		in[id] = true
	}
	// Kahn's algorithm restricted to the requested set, with a sorted frontier
	// so equal-depth jobs come out in id order.
	indeg := map[string]int{}
	for id := range in {
		n := 0
		for _, d := range g.deps[id] {
			if in[d] {
				n++
			}
		}
		indeg[id] = n
	}
	frontier := make([]string, 0, len(in))
	for id, n := range indeg {
		if n == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	out := make([]string, 0, len(in))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		out = append(out, id)

		released := []string(nil)
		for _, r := range g.rdep[id] {
			if !in[r] {
				continue
			}
			indeg[r]--
			if indeg[r] == 0 {
				released = append(released, r)
			}
		}
		if len(released) > 0 {
			frontier = append(frontier, released...)
			sort.Strings(frontier)
		}
	}
	return out
}

// findCycle runs a DFS from start and returns the cycle path if one exists.
func (g *Graph) findCycle(start string) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[string]int{}
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		path = append(path, id)
		for _, d := range g.deps[id] {
			switch color[d] {
			case grey:
				// Close the loop at the first repeat for a readable message.
				i := 0
				for ; i < len(path); i++ {
					if path[i] == d {
						break
					}
				}
				return append(append([]string(nil), path[i:]...), d)
			case white:
				if c := visit(d); c != nil {
					return c
				}
			}
		}
		color[id] = black
		path = path[:len(path)-1]
		return nil
	}
	return visit(start)
}
