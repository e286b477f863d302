package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MountTemplate is one bind mount to apply to a partition's container.
// Source may reference {{.PartitionIndex}} and {{.JobID}}, substituted by
// the scheduler when building the service spec.
type MountTemplate struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only"`
}

// ModelEntry is one named model's image/entrypoint/mounts, addressed by
// OriginatingRequest.Model. Mounts are keyed by partition_index so a
// model can give its rank-0 container a different domain mount than its
// worker containers, generalizing original_source/scheduler.py's hard-coded
// "Node-0001 gets /opt/nwm_c/domains, everyone else gets /local" branch into
// externally configured data (DESIGN.md Open Question 2).
type ModelEntry struct {
	Image          string                  `yaml:"image"`
	DriverCommand  []string                `yaml:"driver_command"`
	WorkerCommand  []string                `yaml:"worker_command"`
	MountsByIndex  map[int][]MountTemplate `yaml:"mounts_by_partition_index"`
	DefaultMounts  []MountTemplate         `yaml:"default_mounts"`
}

// MountsFor returns the mounts configured for partitionIndex, falling back
// to DefaultMounts when no index-specific entry exists.
func (e ModelEntry) MountsFor(partitionIndex int) []MountTemplate {
	if mounts, ok := e.MountsByIndex[partitionIndex]; ok {
		return mounts
	}
	return e.DefaultMounts
}

// ModelCatalog maps a model name to its container image and mount layout.
type ModelCatalog struct {
	Models map[string]ModelEntry `yaml:"models"`
}

// LoadModelCatalog reads and parses a YAML model catalog file.
func LoadModelCatalog(path string) (*ModelCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading model catalog %s: %w", path, err)
	}
	var catalog ModelCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("config: parsing model catalog %s: %w", path, err)
	}
	return &catalog, nil
}

// Lookup returns the catalog entry for modelName.
func (c *ModelCatalog) Lookup(modelName string) (ModelEntry, bool) {
	entry, ok := c.Models[modelName]
	return entry, ok
}
