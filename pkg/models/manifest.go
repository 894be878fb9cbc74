package models

import (
	"encoding/json"
	"fmt"
)

// WeightSpec describes one tensor stored in the shards of a manifest group
type WeightSpec struct {
	Name         string        `json:"name"`
	Shape        []int         `json:"shape"`
	Dtype        string        `json:"dtype"`
	Quantization *Quantization `json:"quantization,omitempty"`
}

// Quantization describes how a tensor was quantized before storage
type Quantization struct {
	Dtype string  `json:"dtype"`
	Scale float64 `json:"scale"`
	Min   float64 `json:"min"`
}

// ManifestGroup is a set of tensors stored across one or more shard files
type ManifestGroup struct {
	Weights []WeightSpec `json:"weights"`
	Paths   []string     `json:"paths"`
}

// Manifest is the decoded content of a *-weights_manifest.json file
type Manifest []ManifestGroup

var dtypeSizes = map[string]int{
	"float32": 4,
	"int32":   4,
	"uint16":  2,
	"uint8":   1,
	"bool":    1,
}

// ParseManifest decodes and sanity-checks a weights manifest
func ParseManifest(data []byte) (Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if len(manifest) == 0 {
		return nil, fmt.Errorf("invalid manifest: no weight groups")
	}
	for i, group := range manifest {
		if len(group.Paths) == 0 {
			return nil, fmt.Errorf("invalid manifest: group %d has no shard paths", i)
		}
		if _, err := group.ByteSize(); err != nil {
			return nil, fmt.Errorf("invalid manifest: group %d: %w", i, err)
		}
	}
	return manifest, nil
}

// ByteSize returns the number of bytes a tensor occupies in its shard
func (w WeightSpec) ByteSize() (int, error) {
	dtype := w.Dtype
	if w.Quantization != nil {
		dtype = w.Quantization.Dtype
	}
	size, ok := dtypeSizes[dtype]
	if !ok {
		return 0, fmt.Errorf("weight %s: unsupported dtype %q", w.Name, dtype)
	}
	elements := 1
	for _, dim := range w.Shape {
		if dim < 0 {
			return 0, fmt.Errorf("weight %s: negative dimension %d", w.Name, dim)
		}
		elements *= dim
	}
	return elements * size, nil
}

// ByteSize returns the expected length of the group's concatenated shards
func (g ManifestGroup) ByteSize() (int, error) {
	total := 0
	for _, w := range g.Weights {
		n, err := w.ByteSize()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// ParamCount returns the number of scalar parameters described by the manifest
func (m Manifest) ParamCount() int {
	total := 0
	for _, group := range m {
		for _, w := range group.Weights {
			elements := 1
			for _, dim := range w.Shape {
				elements *= dim
			}
			total += elements
		}
	}
	return total
}
