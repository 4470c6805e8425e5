// Package scexpr provides the in-memory single-cell expression table.
package scexpr

import (
	"errors"
	"fmt"
	"sort"
)

// Required per-cell annotation columns.
const (
	ObsSample  = "sample_id"
	ObsCluster = "cluster_id"
	ObsGroup   = "group_id"
)

var (
	// ErrInvalidGrouping is returned when a requested annotation column is
	// not present on the table.
	ErrInvalidGrouping = errors.New("scexpr: annotation column not found")
	// ErrEmptyInput is returned when a table has zero genes or zero cells.
	ErrEmptyInput = errors.New("scexpr: empty table")
)

// Table is an immutable gene x cell expression matrix with per-cell
// annotations. Layers are stored dense, gene-major. Subset returns a new
// table; no operation mutates an existing one.
type Table struct {
	genes     []string
	cells     []string
	geneIndex map[string]int

	layers map[string][]float64

	obs       map[string][]string
	obsLevels map[string][]string
}

// TableInput carries everything needed to construct a Table. Counts is the
// required "counts" layer, gene-major (len = genes*cells). Extra layers may
// be added with the same shape.
type TableInput struct {
	Genes  []string
	Cells  []string
	Counts []float64
	Layers map[string][]float64
	Obs    map[string][]string
}

// NewTable validates the input and builds an immutable table. The three
// required annotation columns must be present, and every sample must map to
// exactly one group.
func NewTable(in TableInput) (*Table, error) {
	nGenes, nCells := len(in.Genes), len(in.Cells)
	if nGenes == 0 || nCells == 0 {
		return nil, ErrEmptyInput
	}
	if len(in.Counts) != nGenes*nCells {
		return nil, fmt.Errorf("scexpr: counts length %d does not match %d genes x %d cells", len(in.Counts), nGenes, nCells)
	}

	t := &Table{
		genes:     append([]string(nil), in.Genes...),
		cells:     append([]string(nil), in.Cells...),
		geneIndex: make(map[string]int, nGenes),
		layers:    map[string][]float64{"counts": append([]float64(nil), in.Counts...)},
		obs:       make(map[string][]string),
		obsLevels: make(map[string][]string),
	}
	for i, g := range t.genes {
		if _, dup := t.geneIndex[g]; dup {
			return nil, fmt.Errorf("scexpr: duplicate gene id %q", g)
		}
		t.geneIndex[g] = i
	}
	seen := make(map[string]bool, nCells)
	for _, c := range t.cells {
		if seen[c] {
			return nil, fmt.Errorf("scexpr: duplicate cell id %q", c)
		}
		seen[c] = true
	}

	for name, vals := range in.Layers {
		if len(vals) != nGenes*nCells {
			return nil, fmt.Errorf("scexpr: layer %q length %d does not match matrix shape", name, len(vals))
		}
		t.layers[name] = append([]float64(nil), vals...)
	}

	for col, vals := range in.Obs {
		if len(vals) != nCells {
			return nil, fmt.Errorf("scexpr: obs column %q has %d values, want %d", col, len(vals), nCells)
		}
		t.obs[col] = append([]string(nil), vals...)
		t.obsLevels[col] = levelsOf(vals)
	}
	for _, col := range []string{ObsSample, ObsCluster, ObsGroup} {
		if _, ok := t.obs[col]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidGrouping, col)
		}
	}

	// sample -> group must be a function
	groupOf := make(map[string]string)
	samples, groups := t.obs[ObsSample], t.obs[ObsGroup]
	for i := range t.cells {
		if g, ok := groupOf[samples[i]]; ok {
			if g != groups[i] {
				return nil, fmt.Errorf("scexpr: sample %q assigned to groups %q and %q", samples[i], g, groups[i])
			}
		} else {
			groupOf[samples[i]] = groups[i]
		}
	}

	return t, nil
}

func sortTail(s []string, from int) {
	sort.Strings(s[from:])
}

func levelsOf(vals []string) []string {
	seen := make(map[string]bool)
	var levels []string
	for _, v := range vals {
		if !seen[v] {
			seen[v] = true
			levels = append(levels, v)
		}
	}
	return levels
}

// NGenes returns the number of genes.
func (t *Table) NGenes() int { return len(t.genes) }

// NCells returns the number of cells.
func (t *Table) NCells() int { return len(t.cells) }

// Genes returns the gene identifiers in matrix order.
func (t *Table) Genes() []string { return t.genes }

// Cells returns the cell identifiers in matrix order.
func (t *Table) Cells() []string { return t.cells }

// GeneIndex returns the row index of a gene, or -1 if absent.
func (t *Table) GeneIndex(gene string) int {
	if i, ok := t.geneIndex[gene]; ok {
		return i
	}
	return -1
}

// HasLayer reports whether a named expression layer exists.
func (t *Table) HasLayer(name string) bool {
	_, ok := t.layers[name]
	return ok
}

// Value returns the expression value of layer at (gene row, cell column).
func (t *Table) Value(layer string, gene, cell int) float64 {
	return t.layers[layer][gene*len(t.cells)+cell]
}

// GeneRow copies the expression vector of one gene across the given cells.
func (t *Table) GeneRow(layer string, gene int, cells []int, dst []float64) []float64 {
	row := t.layers[layer][gene*len(t.cells) : (gene+1)*len(t.cells)]
	if dst == nil {
		dst = make([]float64, 0, len(cells))
	}
	dst = dst[:0]
	for _, c := range cells {
		dst = append(dst, row[c])
	}
	return dst
}

// HasObs reports whether an annotation column exists.
func (t *Table) HasObs(col string) bool {
	_, ok := t.obs[col]
	return ok
}

// ObsColumns returns the annotation column names, required columns first.
func (t *Table) ObsColumns() []string {
	cols := []string{ObsSample, ObsCluster, ObsGroup}
	for col := range t.obs {
		if col != ObsSample && col != ObsCluster && col != ObsGroup {
			cols = append(cols, col)
		}
	}
	sortTail(cols, 3)
	return cols
}

// Obs returns the per-cell values of an annotation column.
func (t *Table) Obs(col string) ([]string, error) {
	vals, ok := t.obs[col]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGrouping, col)
	}
	return vals, nil
}

// ObsLevels returns the distinct values of an annotation column in order of
// first appearance. The level set is fixed at construction.
func (t *Table) ObsLevels(col string) ([]string, error) {
	levels, ok := t.obsLevels[col]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGrouping, col)
	}
	return levels, nil
}

// GroupOf returns the sample -> group mapping.
func (t *Table) GroupOf() map[string]string {
	out := make(map[string]string)
	samples, groups := t.obs[ObsSample], t.obs[ObsGroup]
	for i := range t.cells {
		out[samples[i]] = groups[i]
	}
	return out
}

// CellsWhere returns the column indices of cells whose annotation col equals
// value, in matrix order.
func (t *Table) CellsWhere(col, value string) ([]int, error) {
	vals, ok := t.obs[col]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGrouping, col)
	}
	var idx []int
	for i, v := range vals {
		if v == value {
			idx = append(idx, i)
		}
	}
	return idx, nil
}

// Subset builds a new table restricted to the given gene rows and cell
// columns. Nil selects all. Annotation level sets are recomputed on the
// subset.
func (t *Table) Subset(geneIdx, cellIdx []int) (*Table, error) {
	if geneIdx == nil {
		geneIdx = make([]int, len(t.genes))
		for i := range geneIdx {
			geneIdx[i] = i
		}
	}
	if cellIdx == nil {
		cellIdx = make([]int, len(t.cells))
		for i := range cellIdx {
			cellIdx[i] = i
		}
	}
	if len(geneIdx) == 0 || len(cellIdx) == 0 {
		return nil, ErrEmptyInput
	}

	in := TableInput{
		Genes:  make([]string, len(geneIdx)),
		Cells:  make([]string, len(cellIdx)),
		Layers: make(map[string][]float64),
		Obs:    make(map[string][]string),
	}
	for i, g := range geneIdx {
		in.Genes[i] = t.genes[g]
	}
	for i, c := range cellIdx {
		in.Cells[i] = t.cells[c]
	}
	for name, data := range t.layers {
		sub := make([]float64, 0, len(geneIdx)*len(cellIdx))
		for _, g := range geneIdx {
			row := data[g*len(t.cells) : (g+1)*len(t.cells)]
			for _, c := range cellIdx {
				sub = append(sub, row[c])
			}
		}
		if name == "counts" {
			in.Counts = sub
		} else {
			in.Layers[name] = sub
		}
	}
	for col, vals := range t.obs {
		sub := make([]string, len(cellIdx))
		for i, c := range cellIdx {
			sub[i] = vals[c]
		}
		in.Obs[col] = sub
	}
	return NewTable(in)
}

// LibrarySizes returns the per-cell total of the counts layer.
func (t *Table) LibrarySizes() []float64 {
	counts := t.layers["counts"]
	libs := make([]float64, len(t.cells))
	for g := 0; g < len(t.genes); g++ {
		row := counts[g*len(t.cells) : (g+1)*len(t.cells)]
		for c, v := range row {
			libs[c] += v
		}
	}
	return libs
}
