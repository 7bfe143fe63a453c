package benchmark

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"memtracker/pkg/api"
)

// TopN is how many allocation sites are kept per benchmark.
const TopN = 10

// Allocation is one allocation site from memray's stats.
type Allocation struct {
	Location string `json:"location" yaml:"location"`
	Size     int64  `json:"size" yaml:"size"`
	Count    int64  `json:"count" yaml:"count"`
}

// Artifact is the profiler output of one benchmark for one commit.
type Artifact struct {
	Name           string
	TracePath      string
	StatsPath      string
	FlamegraphPath string
	PeakMemory     int64
	TotalAllocated int64
	TopAllocations []Allocation
}

type statsDoc struct {
	Metadata struct {
		PeakMemory int64 `json:"peak_memory"`
	} `json:"metadata"`
	TotalBytesAllocated  int64        `json:"total_bytes_allocated"`
	TopAllocationsBySize []Allocation `json:"top_allocations_by_size"`
}

// LoadArtifacts reads every <name>_stats.json in dir, sorted by name.
func LoadArtifacts(dir string) ([]Artifact, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*_stats.json"))
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)

	artifacts := make([]Artifact, 0, len(matches))
	for _, statsPath := range matches {
		name := strings.TrimSuffix(filepath.Base(statsPath), "_stats.json")
		a, err := loadArtifact(dir, name, statsPath)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

func loadArtifact(dir, name, statsPath string) (Artifact, error) {
	raw, err := os.ReadFile(statsPath)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to read %s: %w", statsPath, err)
	}
	var doc statsDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Artifact{}, fmt.Errorf("failed to parse %s: %w", statsPath, err)
	}

	top := doc.TopAllocationsBySize
	if len(top) > TopN {
		top = top[:TopN]
	}
	return Artifact{
		Name:           name,
		TracePath:      filepath.Join(dir, name+".bin"),
		StatsPath:      statsPath,
		FlamegraphPath: filepath.Join(dir, name+"_flamegraph.html"),
		PeakMemory:     doc.Metadata.PeakMemory,
		TotalAllocated: doc.TotalBytesAllocated,
		TopAllocations: top,
	}, nil
}

// LoadMetadata reads metadata.json from dir. It returns the raw document
// for upload and the decoded fields the pipeline inspects.
func LoadMetadata(dir string) (json.RawMessage, api.Metadata, error) {
	p := filepath.Join(dir, MetadataFile)
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, api.Metadata{}, fmt.Errorf("failed to read %s: %w", p, err)
	}
	var meta api.Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, api.Metadata{}, fmt.Errorf("failed to parse %s: %w", p, err)
	}
	return raw, meta, nil
}
