// Package service provides business logic for the DS analysis server.
package service

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log"

	"github.com/pbulk/server/internal/cache"
	"github.com/pbulk/server/internal/data/scexpr"
	"github.com/pbulk/server/internal/pseudobulk"
)

// Dataset bundles one loaded expression table with the shared cache.
type Dataset struct {
	ID    string
	Table *scexpr.Table
	Cache *cache.Manager
}

// NewDataset wraps a loaded table.
func NewDataset(id string, t *scexpr.Table, c *cache.Manager) *Dataset {
	return &Dataset{ID: id, Table: t, Cache: c}
}

// Pseudobulk aggregates the dataset by (cluster, sample), serving from the
// aggregate cache when possible. Aggregation is pure, so a cached copy is
// as good as a fresh one.
func (d *Dataset) Pseudobulk(layer string, reducer pseudobulk.Reducer) (*pseudobulk.Pseudobulk, error) {
	key := cache.AggregateKey(d.ID, layer, string(reducer))
	if d.Cache != nil {
		if data, ok := d.Cache.GetAggregate(key); ok {
			var pb pseudobulk.Pseudobulk
			if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&pb); err == nil {
				return &pb, nil
			}
			log.Printf("[Dataset] %s: discarding undecodable cached aggregate", d.ID)
		}
	}

	pb, err := pseudobulk.Aggregate(d.Table, pseudobulk.DefaultKeys(), layer, reducer)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", d.ID, err)
	}

	if d.Cache != nil {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(pb); err == nil {
			if err := d.Cache.SetAggregate(key, buf.Bytes()); err != nil {
				log.Printf("[Dataset] %s: aggregate cache write failed: %v", d.ID, err)
			}
		}
	}
	return pb, nil
}
