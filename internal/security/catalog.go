// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// RESOURCE CATALOG
// =============================================================================

//go:embed defaults/catalog.yaml
var defaultCatalogYAML []byte

// ErrUnknownResource is returned when a resource id is not in the catalog.
var ErrUnknownResource = errors.New("unknown resource")

// ResourceDescriptor is one protected resource and the policy that gates it.
type ResourceDescriptor struct {
	ID                string    `yaml:"id" json:"id"`
	Name              string    `yaml:"name" json:"name"`
	RequiredClearance Clearance `yaml:"required_clearance" json:"required_clearance"`
	AllowedRoles      []Role    `yaml:"allowed_roles" json:"allowed_roles"`
}

// catalogFile is the on-disk layout of a catalog.
type catalogFile struct {
	Version   string               `yaml:"version"`
	Resources []ResourceDescriptor `yaml:"resources"`
}

// Catalog is the read-only set of resource descriptors loaded at startup.
// It is never mutated after construction and is safe for concurrent use.
type Catalog struct {
	version   string
	resources map[string]ResourceDescriptor
	order     []string
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	return NewCatalog(file.Version, file.Resources)
}

// LoadCatalog reads a catalog file. An empty path selects the built-in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the built-in nine-resource catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// NewCatalog validates resources and builds a catalog.
func NewCatalog(version string, resources []ResourceDescriptor) (*Catalog, error) {
	if version == "" {
		return nil, errors.New("catalog: version is required")
	}
	if len(resources) == 0 {
		return nil, errors.New("catalog: no resources defined")
	}

	c := &Catalog{
		version:   version,
		resources: make(map[string]ResourceDescriptor, len(resources)),
		order:     make([]string, 0, len(resources)),
	}
	for i, r := range resources {
		if r.ID == "" {
			return nil, fmt.Errorf("catalog: resource %d has no id", i)
		}
		if _, dup := c.resources[r.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate resource id %q", r.ID)
		}
		if !r.RequiredClearance.Valid() {
			return nil, fmt.Errorf("catalog: resource %q: %w", r.ID, ErrUnknownClearance)
		}
		if len(r.AllowedRoles) == 0 {
			return nil, fmt.Errorf("catalog: resource %q allows no roles", r.ID)
		}
		roles := make([]Role, len(r.AllowedRoles))
		for j, role := range r.AllowedRoles {
			if !role.Valid() {
				return nil, fmt.Errorf("catalog: resource %q: %w: %q", r.ID, ErrUnknownRole, role)
			}
			roles[j] = role
		}
		r.AllowedRoles = roles
		c.resources[r.ID] = r
		c.order = append(c.order, r.ID)
	}
	return c, nil
}

// Version returns the catalog version string.
func (c *Catalog) Version() string {
	return c.version
}

// Lookup returns the descriptor for id.
func (c *Catalog) Lookup(id string) (ResourceDescriptor, error) {
	r, ok := c.resources[id]
	if !ok {
		return ResourceDescriptor{}, fmt.Errorf("%w: %q", ErrUnknownResource, id)
	}
	// Copy the role slice so callers cannot alter the catalog.
	r.AllowedRoles = append([]Role(nil), r.AllowedRoles...)
	return r, nil
}

// List returns every descriptor in file order.
func (c *Catalog) List() []ResourceDescriptor {
	out := make([]ResourceDescriptor, 0, len(c.order))
	for _, id := range c.order {
		r, _ := c.Lookup(id)
		out = append(out, r)
	}
	return out
}

// IDs returns the resource ids sorted lexically.
func (c *Catalog) IDs() []string {
	ids := append([]string(nil), c.order...)
	sort.Strings(ids)
	return ids
}
