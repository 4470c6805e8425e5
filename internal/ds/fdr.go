package ds

import "sort"

// BenjaminiHochberg returns FDR-adjusted p-values. Adjusted values are
// clamped to [0,1] and monotone non-decreasing in rank order of the raw
// p-values.
func BenjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	if n == 0 {
		return nil
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool {
		return pvals[idx[i]] < pvals[idx[j]]
	})

	adj := make([]float64, n)
	running := 1.0
	for i := n - 1; i >= 0; i-- {
		orig := idx[i]
		a := pvals[orig] * float64(n) / float64(i+1)
		if a > 1 {
			a = 1
		}
		if a < running {
			running = a
		}
		adj[orig] = running
	}
	return adj
}

// adjustLocal applies BH within each cluster table independently.
func adjustLocal(tables map[string]*ClusterTable) {
	for _, tbl := range tables {
		raw := make([]float64, len(tbl.Rows))
		for i, r := range tbl.Rows {
			raw[i] = r.PVal
		}
		adj := BenjaminiHochberg(raw)
		for i := range tbl.Rows {
			tbl.Rows[i].PAdjLoc = adj[i]
		}
	}
}

// adjustGlobal applies BH over the pooled raw p-values of all clusters for
// one comparison. Pooling never crosses comparisons.
func adjustGlobal(tables map[string]*ClusterTable, clusterOrder []string) {
	var raw []float64
	for _, c := range clusterOrder {
		tbl, ok := tables[c]
		if !ok {
			continue
		}
		for _, r := range tbl.Rows {
			raw = append(raw, r.PVal)
		}
	}
	adj := BenjaminiHochberg(raw)
	i := 0
	for _, c := range clusterOrder {
		tbl, ok := tables[c]
		if !ok {
			continue
		}
		for j := range tbl.Rows {
			tbl.Rows[j].PAdjGlb = adj[i]
			i++
		}
	}
}
