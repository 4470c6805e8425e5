// Package pseudobulk aggregates cell-level expression into per-sample
// profiles, one matrix per cluster.
package pseudobulk

import (
	"fmt"
	"sort"

	"github.com/pbulk/server/internal/data/scexpr"
)

// Reducer selects the summary statistic applied to each (cluster, sample)
// partition.
type Reducer string

const (
	ReduceSum    Reducer = "sum"
	ReduceMean   Reducer = "mean"
	ReduceMedian Reducer = "median"
)

// ParseReducer validates a reducer name.
func ParseReducer(s string) (Reducer, error) {
	switch Reducer(s) {
	case ReduceSum, ReduceMean, ReduceMedian:
		return Reducer(s), nil
	}
	return "", fmt.Errorf("pseudobulk: unknown reducer %q", s)
}

// Matrix is one cluster's gene x sample aggregate. Sample columns are
// exactly the samples with at least one cell in the cluster.
type Matrix struct {
	Cluster    string
	Genes      []string
	Samples    []string
	Data       []float64 // gene-major, len = genes*samples
	CellCounts []int     // cells per sample column
}

// Value returns the aggregate for (gene row, sample column).
func (m *Matrix) Value(gene, sample int) float64 {
	return m.Data[gene*len(m.Samples)+sample]
}

// SampleIndex returns the column of a sample, or -1.
func (m *Matrix) SampleIndex(sample string) int {
	for i, s := range m.Samples {
		if s == sample {
			return i
		}
	}
	return -1
}

// Pseudobulk maps cluster ids to their aggregate matrices. Clusters holds
// the cluster level order; only clusters with at least one cell appear.
type Pseudobulk struct {
	Layer    string
	Reducer  Reducer
	Clusters []string
	ByCluster map[string]*Matrix
}

// Keys is the ordered pair of grouping annotations, outer then inner.
type Keys struct {
	Outer string
	Inner string
}

// DefaultKeys groups by cluster then sample.
func DefaultKeys() Keys {
	return Keys{Outer: scexpr.ObsCluster, Inner: scexpr.ObsSample}
}

// Aggregate partitions cells by (outer, inner) key values and reduces each
// partition's expression to one value per gene. Empty partitions are
// omitted, never zero-filled. Pure function of its inputs.
func Aggregate(t *scexpr.Table, keys Keys, layer string, reducer Reducer) (*Pseudobulk, error) {
	if t.NCells() == 0 || t.NGenes() == 0 {
		return nil, scexpr.ErrEmptyInput
	}
	if !t.HasLayer(layer) {
		return nil, fmt.Errorf("pseudobulk: layer %q not found", layer)
	}
	outerVals, err := t.Obs(keys.Outer)
	if err != nil {
		return nil, err
	}
	innerVals, err := t.Obs(keys.Inner)
	if err != nil {
		return nil, err
	}
	outerLevels, err := t.ObsLevels(keys.Outer)
	if err != nil {
		return nil, err
	}
	innerLevels, err := t.ObsLevels(keys.Inner)
	if err != nil {
		return nil, err
	}

	// cells per (outer, inner) partition, in matrix order
	part := make(map[string]map[string][]int)
	for c := 0; c < t.NCells(); c++ {
		o, in := outerVals[c], innerVals[c]
		if part[o] == nil {
			part[o] = make(map[string][]int)
		}
		part[o][in] = append(part[o][in], c)
	}

	pb := &Pseudobulk{
		Layer:     layer,
		Reducer:   reducer,
		ByCluster: make(map[string]*Matrix),
	}
	buf := make([]float64, 0, 256)
	for _, o := range outerLevels {
		inners, ok := part[o]
		if !ok {
			continue
		}
		m := &Matrix{Cluster: o, Genes: t.Genes()}
		for _, in := range innerLevels {
			if len(inners[in]) > 0 {
				m.Samples = append(m.Samples, in)
				m.CellCounts = append(m.CellCounts, len(inners[in]))
			}
		}
		m.Data = make([]float64, len(m.Genes)*len(m.Samples))
		for g := 0; g < t.NGenes(); g++ {
			for si, in := range m.Samples {
				buf = t.GeneRow(layer, g, inners[in], buf)
				m.Data[g*len(m.Samples)+si] = reduce(reducer, buf)
			}
		}
		pb.Clusters = append(pb.Clusters, o)
		pb.ByCluster[o] = m
	}
	return pb, nil
}

func reduce(r Reducer, vals []float64) float64 {
	switch r {
	case ReduceMean:
		return sum(vals) / float64(len(vals))
	case ReduceMedian:
		s := append([]float64(nil), vals...)
		sort.Float64s(s)
		n := len(s)
		if n%2 == 1 {
			return s[n/2]
		}
		return (s[n/2-1] + s[n/2]) / 2
	default:
		return sum(vals)
	}
}

func sum(vals []float64) float64 {
	var t float64
	for _, v := range vals {
		t += v
	}
	return t
}

// LibrarySizes returns the per-sample column sums of a cluster matrix.
func (m *Matrix) LibrarySizes() []float64 {
	libs := make([]float64, len(m.Samples))
	for g := 0; g < len(m.Genes); g++ {
		row := m.Data[g*len(m.Samples) : (g+1)*len(m.Samples)]
		for s, v := range row {
			libs[s] += v
		}
	}
	return libs
}
