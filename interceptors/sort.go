package interceptors

// sortPhase orders the interceptors of one phase so that every before/after
// constraint between present peers holds. Among interceptors that are free to
// run, the one added first wins, so unconstrained interceptors keep insertion
// order. When the constraints cannot be satisfied the unresolved interceptor
// names are returned instead.
func sortPhase(added []Interceptor) ([]Interceptor, []string) {
	n := len(added)
	pos := make(map[string]int, n)
	for i, ic := range added {
		pos[ic.Name()] = i
	}

	// edges[i] holds the nodes that must come after node i
	edges := make([]map[int]bool, n)
	for i := range edges {
		edges[i] = make(map[int]bool)
	}
	for i, ic := range added {
		ordered, ok := ic.(Ordered)
		if !ok {
			continue
		}
		for _, name := range ordered.Before() {
			if j, ok := pos[name]; ok && j != i {
				edges[i][j] = true
			}
		}
		for _, name := range ordered.After() {
			if j, ok := pos[name]; ok && j != i {
				edges[j][i] = true
			}
		}
	}

	indegree := make([]int, n)
	for i := range edges {
		for j := range edges[i] {
			indegree[j]++
		}
	}

	placed := make([]bool, n)
	sorted := make([]Interceptor, 0, n)
	for len(sorted) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !placed[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var cycle []string
			for i, ic := range added {
				if !placed[i] {
					cycle = append(cycle, ic.Name())
				}
			}
			return nil, cycle
		}
		placed[next] = true
		sorted = append(sorted, added[next])
		for j := range edges[next] {
			indegree[j]--
		}
	}
	return sorted, nil
}
