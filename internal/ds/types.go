// Package ds implements differential-state testing across experimental
// conditions, on pseudobulk profiles and on cell-level data.
package ds

import "sort"

// GeneResult is one tested gene in one cluster for one comparison.
type GeneResult struct {
	Gene       string  `json:"gene"`
	Cluster    string  `json:"cluster"`
	Comparison string  `json:"comparison"`
	LogFC      float64 `json:"logfc"`
	PVal       float64 `json:"p_val"`
	PAdjLoc    float64 `json:"p_adj_loc"`
	PAdjGlb    float64 `json:"p_adj_glb"`
}

// ClusterTable holds the per-gene rows of one cluster and comparison,
// sorted by gene.
type ClusterTable struct {
	Cluster    string
	Comparison string
	Rows       []GeneResult
}

// Exclusion records a gene/cluster pair that was skipped or failed, with
// the reason. Gene "*" marks a cluster-wide exclusion.
type Exclusion struct {
	Gene    string `json:"gene"`
	Cluster string `json:"cluster"`
	Reason  string `json:"reason"`
}

// ResultSet is the output of one test run: tables keyed by comparison then
// cluster, plus the exclusion record. Tables are created fresh per run and
// never mutated afterwards.
type ResultSet struct {
	Comparisons []string
	Clusters    []string
	Tables      map[string]map[string]*ClusterTable
	Excluded    []Exclusion
}

// Table returns the result table for (comparison, cluster), or nil.
func (rs *ResultSet) Table(comparison, cluster string) *ClusterTable {
	if m, ok := rs.Tables[comparison]; ok {
		return m[cluster]
	}
	return nil
}

func sortRows(rows []GeneResult) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Gene < rows[j].Gene })
}
