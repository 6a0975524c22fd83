package pipeline

import (
	"slices"
	"strings"
)

type orderHinter interface {
	Order() int
}

func orderOf[T any](s Stage[T]) int {
	if h, ok := s.(orderHinter); ok {
		return h.Order()
	}
	return 0
}

// executionOrder returns a topological ordering of stages. Ties are broken by
// the order hint and then by id so the result is deterministic. Dependencies
// on unregistered stages are ignored here and reported at run time.
func executionOrder[T any](stages map[string]Stage[T]) ([]string, *PipelineError) {
	ids := sortedIDs(stages)

	const (
		unvisited = iota
		visiting
		visited
	)
	marks := make(map[string]int, len(stages))
	order := make([]string, 0, len(stages))
	var path []string

	var visit func(id string) *PipelineError
	visit = func(id string) *PipelineError {
		switch marks[id] {
		case visited:
			return nil
		case visiting:
			start := slices.Index(path, id)
			cycle := append(slices.Clone(path[start:]), id)
			return newError(CodeCircularDependency, "", id, nil, "circular dependency: %s", strings.Join(cycle, " -> "))
		}
		marks[id] = visiting
		path = append(path, id)

		deps := stages[id].Dependencies()
		slices.SortFunc(deps, func(a, b string) int { return compareStages(stages, a, b) })
		for _, dep := range deps {
			if _, ok := stages[dep]; !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		marks[id] = visited
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func sortedIDs[T any](stages map[string]Stage[T]) []string {
	ids := make([]string, 0, len(stages))
	for id := range stages {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int { return compareStages(stages, a, b) })
	return ids
}

func compareStages[T any](stages map[string]Stage[T], a, b string) int {
	sa, okA := stages[a]
	sb, okB := stages[b]
	if okA && okB {
		if oa, ob := orderOf(sa), orderOf(sb); oa != ob {
			return oa - ob
		}
	}
	return strings.Compare(a, b)
}

// dependentsOf lists the stages that declare id as a dependency, sorted.
func dependentsOf[T any](stages map[string]Stage[T], id string) []string {
	var out []string
	for other, s := range stages {
		if other != id && slices.Contains(s.Dependencies(), id) {
			out = append(out, other)
		}
	}
	slices.Sort(out)
	return out
}
