package chainio

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrDuplicateConsumer is returned when two consumers share a name.
	ErrDuplicateConsumer = errors.New("duplicate consumer")

	// ErrUnknownDependency is returned when a consumer depends on a name
	// that was never registered.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDependencyCycle is returned when the consumers' dependencies form
	// a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")
)

// Graph is the dependency graph of a set of consumers. It is sorted once at
// construction and then only read.
type Graph struct {
	order []Consumer
	index map[string]int
}

// NewGraph builds the graph of the given consumers and sorts it
// topologically. Consumers without an ordering constraint between them are
// ordered by name so the result is deterministic.
func NewGraph(consumers ...Consumer) (*Graph, error) {
	byName := make(map[string]Consumer, len(consumers))
	for _, c := range consumers {
		if _, ok := byName[c.Name()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateConsumer,
				c.Name())
		}
		byName[c.Name()] = c
	}

	// inDegree counts the unsorted dependencies of each consumer and
	// dependents maps a name to the consumers waiting on it.
	inDegree := make(map[string]int, len(consumers))
	dependents := make(map[string][]string, len(consumers))
	for _, c := range consumers {
		inDegree[c.Name()] = 0
	}
	for _, c := range consumers {
		for _, dep := range c.Dependencies() {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s",
					ErrUnknownDependency, c.Name(), dep)
			}

			inDegree[c.Name()]++
			dependents[dep] = append(dependents[dep], c.Name())
		}
	}

	var ready []string
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}

	g := &Graph{
		order: make([]Consumer, 0, len(consumers)),
		index: make(map[string]int, len(consumers)),
	}
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]

		g.index[name] = len(g.order)
		g.order = append(g.order, byName[name])

		for _, dependent := range dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(g.order) != len(consumers) {
		var stuck []string
		for name, degree := range inDegree {
			if degree > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)

		return nil, fmt.Errorf("%w: %v", ErrDependencyCycle, stuck)
	}

	return g, nil
}

// Order returns the consumers in apply order.
func (g *Graph) Order() []Consumer {
	return append([]Consumer(nil), g.order...)
}

// Reverse returns the consumers in unwind order.
func (g *Graph) Reverse() []Consumer {
	reversed := make([]Consumer, len(g.order))
	for i, c := range g.order {
		reversed[len(g.order)-1-i] = c
	}

	return reversed
}

// Len returns the number of consumers in the graph.
func (g *Graph) Len() int {
	return len(g.order)
}

// Position returns the apply position of the named consumer.
func (g *Graph) Position(name string) (int, bool) {
	i, ok := g.index[name]
	return i, ok
}
