package txns

import "slices"

// DependencyGraph is a wait-for graph: an edge from A to B means that
// transaction A waits for a lock held or requested earlier by B.
// It is not safe for concurrent use.
type DependencyGraph struct {
	edges map[TxnID]map[TxnID]struct{}
}

func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		edges: make(map[TxnID]map[TxnID]struct{}),
	}
}

func (g *DependencyGraph) AddEdge(waiter, holder TxnID) {
	if waiter == holder {
		return
	}

	if g.edges[waiter] == nil {
		g.edges[waiter] = make(map[TxnID]struct{})
	}
	g.edges[waiter][holder] = struct{}{}
}

func (g *DependencyGraph) RemoveTransaction(txnID TxnID) {
	delete(g.edges, txnID)
	for waiter, holders := range g.edges {
		delete(holders, txnID)
		if len(holders) == 0 {
			delete(g.edges, waiter)
		}
	}
}

// CycleFrom returns a cycle passing through start, or nil if start is not
// part of one.
func (g *DependencyGraph) CycleFrom(start TxnID) []TxnID {
	visited := make(map[TxnID]bool)
	path := []TxnID{start}

	var dfs func(cur TxnID) bool
	dfs = func(cur TxnID) bool {
		visited[cur] = true
		for next := range g.edges[cur] {
			if next == start {
				return true
			}
			if visited[next] {
				continue
			}

			path = append(path, next)
			if dfs(next) {
				return true
			}
			path = path[:len(path)-1]
		}
		return false
	}

	if dfs(start) {
		return path
	}
	return nil
}

// HasCycle reports whether any cycle exists.
func (g *DependencyGraph) HasCycle() bool {
	visited := make(map[TxnID]bool)
	onStack := make(map[TxnID]bool)

	var dfs func(cur TxnID) bool
	dfs = func(cur TxnID) bool {
		visited[cur] = true
		onStack[cur] = true

		for next := range g.edges[cur] {
			if onStack[next] {
				return true
			}
			if !visited[next] && dfs(next) {
				return true
			}
		}

		onStack[cur] = false
		return false
	}

	for txnID := range g.edges {
		if !visited[txnID] && dfs(txnID) {
			return true
		}
	}
	return false
}

// Waiters returns the transactions with outgoing edges in ascending order.
func (g *DependencyGraph) Waiters() []TxnID {
	res := make([]TxnID, 0, len(g.edges))
	for txnID := range g.edges {
		res = append(res, txnID)
	}
	slices.Sort(res)
	return res
}
