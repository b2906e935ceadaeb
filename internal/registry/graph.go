package registry

import "sort"

func needsGraph(ds map[string]Descriptor) map[string][]string {
	sets := map[string]map[string]struct{}{}
	for _, d := range ds {
		for tag, needs := range d.Needs {
			if sets[tag] == nil {
				sets[tag] = map[string]struct{}{}
			}
			for _, n := range needs {
				sets[tag][n] = struct{}{}
			}
		}
	}
	graph := make(map[string][]string, len(sets))
	for tag, set := range sets {
		deps := make([]string, 0, len(set))
		for n := range set {
			deps = append(deps, n)
		}
		sort.Strings(deps)
		graph[tag] = deps
	}
	return graph
}

// findCycle runs a colored DFS and returns the first cycle found as a path
// that starts and ends on the same tag.
func findCycle(graph map[string][]string) []string {
	const (
		white = iota
		gray
		black
	)
	color := map[string]int{}
	var stack []string

	roots := make([]string, 0, len(graph))
	for tag := range graph {
		roots = append(roots, tag)
	}
	sort.Strings(roots)

	var visit func(tag string) []string
	visit = func(tag string) []string {
		color[tag] = gray
		stack = append(stack, tag)
		for _, dep := range graph[tag] {
			switch color[dep] {
			case gray:
				for i, s := range stack {
					if s == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[tag] = black
		return nil
	}

	for _, tag := range roots {
		if color[tag] == white {
			if cycle := visit(tag); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
