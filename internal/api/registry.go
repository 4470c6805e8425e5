// Package api provides HTTP handlers for the DS analysis server.
package api

import (
	"github.com/pbulk/server/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	NGenes int    `json:"n_genes"`
	NCells int    `json:"n_cells"`
}

// DatasetRegistry holds the loaded datasets.
type DatasetRegistry struct {
	datasets       map[string]*service.Dataset
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		datasets:       make(map[string]*service.Dataset),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds a dataset.
func (r *DatasetRegistry) Register(datasetID string, d *service.Dataset) {
	r.datasets[datasetID] = d
}

// Get returns a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.Dataset {
	return r.datasets[datasetID]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Pseudobulk DS"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		d := r.datasets[id]
		if d == nil {
			continue
		}
		infos = append(infos, DatasetInfo{
			ID:     id,
			Name:   id,
			NGenes: d.Table.NGenes(),
			NCells: d.Table.NCells(),
		})
	}
	return infos
}
