package bss

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DensityClusterer assigns a label to every row of points. Labels are dense
// 0..c-1; NoiseLabel marks points outside every cluster.
type DensityClusterer interface {
	Cluster(ctx context.Context, points *mat.Dense) ([]int, error)
}

// HDBSCAN is hierarchical density-based clustering with excess-of-mass
// cluster selection. The root cluster is never selected.
type HDBSCAN struct {
	MinClusterSize int
	MinSamples     int
}

type mstEdge struct {
	a, b int
	w    float64
}

// linkage node: leaves are 0..n-1, merges are n..2n-2
type linkNode struct {
	left, right int
	dist        float64
	size        int
}

type condensedEdge struct {
	parent, child int
	lambda        float64
	size          int
}

func (h HDBSCAN) Cluster(ctx context.Context, points *mat.Dense) ([]int, error) {
	n, _ := points.Dims()
	labels := make([]int, n)
	for i := range labels {
		labels[i] = NoiseLabel
	}
	minSize := max(h.MinClusterSize, 2)
	if n < minSize {
		return labels, nil
	}
	minSamples := h.MinSamples
	if minSamples < 1 {
		minSamples = minSize
	}

	dist := euclidean(points)
	core := coreDistances(dist, n, minSamples)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	edges := primMST(dist, core, n)
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].w < edges[j].w })
	tree := singleLinkage(edges, n)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	condensed, root := condenseTree(tree, n, minSize)
	selected := selectClusters(condensed, root)

	parentOf := make(map[int]int, len(condensed))
	for _, e := range condensed {
		parentOf[e.child] = e.parent
	}
	selLabels := make([]int, 0, len(selected))
	for c := range selected {
		selLabels = append(selLabels, c)
	}
	sort.Ints(selLabels)
	dense := make(map[int]int, len(selLabels))
	for i, c := range selLabels {
		dense[c] = i
	}

	for p := 0; p < n; p++ {
		c, ok := parentOf[p]
		for ok {
			if selected[c] {
				labels[p] = dense[c]
				break
			}
			c, ok = parentOf[c]
		}
	}
	return labels, nil
}

// distanceFunc returns the distance between points i and j.
type distanceFunc func(i, j int) float64

// euclidean measures embedding distances on demand, so clustering needs
// O(n) memory on top of the points.
func euclidean(points *mat.Dense) distanceFunc {
	return func(i, j int) float64 {
		return floats.Distance(points.RawRowView(i), points.RawRowView(j), 2)
	}
}

// coreDistances is the distance to the k-th nearest point, the point itself
// counting as the first.
func coreDistances(dist distanceFunc, n, k int) []float64 {
	k = min(k, n) - 1
	core := make([]float64, n)
	row := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := range row {
			row[j] = dist(i, j)
		}
		core[i] = quickselect(row, k)
	}
	return core
}

// quickselect returns the k-th smallest element of v, reordering v.
func quickselect(v []float64, k int) float64 {
	lo, hi := 0, len(v)-1
	for lo < hi {
		pivot := v[(lo+hi)/2]
		i, j := lo, hi
		for i <= j {
			for v[i] < pivot {
				i++
			}
			for v[j] > pivot {
				j--
			}
			if i <= j {
				v[i], v[j] = v[j], v[i]
				i++
				j--
			}
		}
		switch {
		case k <= j:
			hi = j
		case k >= i:
			lo = i
		default:
			return v[k]
		}
	}
	return v[k]
}

// primMST builds the minimum spanning tree of the mutual reachability graph.
func primMST(dist distanceFunc, core []float64, n int) []mstEdge {
	inTree := make([]bool, n)
	best := make([]float64, n)
	from := make([]int, n)
	for i := range best {
		best[i] = math.Inf(1)
	}
	edges := make([]mstEdge, 0, n-1)

	cur := 0
	inTree[cur] = true
	for len(edges) < n-1 {
		next, nextW := -1, math.Inf(1)
		for j := 0; j < n; j++ {
			if inTree[j] {
				continue
			}
			mr := math.Max(dist(cur, j), math.Max(core[cur], core[j]))
			if mr < best[j] {
				best[j], from[j] = mr, cur
			}
			if best[j] < nextW {
				next, nextW = j, best[j]
			}
		}
		inTree[next] = true
		edges = append(edges, mstEdge{a: from[next], b: next, w: nextW})
		cur = next
	}
	return edges
}

// singleLinkage merges sorted MST edges into a binary hierarchy.
func singleLinkage(edges []mstEdge, n int) []linkNode {
	parent := make([]int, 2*n-1)
	for i := range parent {
		parent[i] = i
	}
	find := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	nodes := make([]linkNode, 2*n-1)
	for i := 0; i < n; i++ {
		nodes[i] = linkNode{left: -1, right: -1, size: 1}
	}
	next := n
	for _, e := range edges {
		ra, rb := find(e.a), find(e.b)
		nodes[next] = linkNode{left: ra, right: rb, dist: e.w, size: nodes[ra].size + nodes[rb].size}
		parent[ra], parent[rb] = next, next
		next++
	}
	return nodes
}

func leavesOf(tree []linkNode, node, n int) []int {
	var out []int
	stack := []int{node}
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if x < n {
			out = append(out, x)
			continue
		}
		stack = append(stack, tree[x].left, tree[x].right)
	}
	return out
}

// condenseTree walks the hierarchy from the root, keeping only splits where
// both sides hold at least minSize points. Cluster labels start at n; the
// root cluster is n.
func condenseTree(tree []linkNode, n, minSize int) ([]condensedEdge, int) {
	root := len(tree) - 1
	rootLabel := n
	nextLabel := n + 1

	var out []condensedEdge
	type item struct{ node, label int }
	stack := []item{{root, rootLabel}}
	fallOut := func(node, label int, lambda float64) {
		for _, p := range leavesOf(tree, node, n) {
			out = append(out, condensedEdge{parent: label, child: p, lambda: lambda, size: 1})
		}
	}

	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		nd := tree[it.node]
		lambda := 1 / math.Max(nd.dist, 1e-12)
		left, right := nd.left, nd.right
		lBig, rBig := tree[left].size >= minSize, tree[right].size >= minSize

		switch {
		case lBig && rBig:
			for _, child := range []int{left, right} {
				label := nextLabel
				nextLabel++
				out = append(out, condensedEdge{parent: it.label, child: label, lambda: lambda, size: tree[child].size})
				stack = append(stack, item{child, label})
			}
		case !lBig && !rBig:
			fallOut(left, it.label, lambda)
			fallOut(right, it.label, lambda)
		case !lBig:
			fallOut(left, it.label, lambda)
			stack = append(stack, item{right, it.label})
		default:
			fallOut(right, it.label, lambda)
			stack = append(stack, item{left, it.label})
		}
	}
	return out, rootLabel
}

// selectClusters applies excess-of-mass selection over the condensed tree.
func selectClusters(tree []condensedEdge, root int) map[int]bool {
	birth := map[int]float64{root: 0}
	children := make(map[int][]int)
	var clusters []int
	for _, e := range tree {
		if e.size > 1 {
			birth[e.child] = e.lambda
			children[e.parent] = append(children[e.parent], e.child)
			clusters = append(clusters, e.child)
		}
	}

	stability := make(map[int]float64, len(clusters)+1)
	for _, e := range tree {
		stability[e.parent] += (e.lambda - birth[e.parent]) * float64(e.size)
	}

	selected := make(map[int]bool)
	// children carry larger labels than their parents
	sort.Sort(sort.Reverse(sort.IntSlice(clusters)))
	for _, c := range clusters {
		sub := 0.0
		for _, ch := range children[c] {
			sub += stability[ch]
		}
		if len(children[c]) > 0 && sub > stability[c] {
			stability[c] = sub
			continue
		}
		selected[c] = true
		stack := append([]int(nil), children[c]...)
		for len(stack) > 0 {
			x := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			delete(selected, x)
			stack = append(stack, children[x]...)
		}
	}
	return selected
}
