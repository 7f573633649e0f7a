// Package schema provides utilities for resolving and managing schema versions.
package schema

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// SchemaIndex represents the structure of SCHEMA_INDEX.json published by the
// platform schema repository.
type SchemaIndex struct {
	Schemas     []SchemaInfo `json:"schemas"`
	GeneratedAt time.Time    `json:"generatedAt"`
}

// SchemaInfo describes one request kind in the index.
type SchemaInfo struct {
	Kind         string   `json:"kind"`
	Versions     []string `json:"versions"`
	LatestStable string   `json:"latestStable"`
	Status       string   `json:"status"`
	ReplacedBy   *string  `json:"replacedBy"`
}

// Resolver resolves request kinds to schema versions using the published
// index, with an in-memory cache backed by a disk cache so the service keeps
// resolving through short schema-repository outages.
type Resolver struct {
	specsURL     string
	cacheDir     string
	index        *SchemaIndex
	lastUpdate   time.Time
	cacheTimeout time.Duration
}

// NewResolver creates a new schema resolver.
func NewResolver(specsURL, cacheDir string) *Resolver {
	return &Resolver{
		specsURL:     specsURL,
		cacheDir:     cacheDir,
		cacheTimeout: 5 * time.Minute,
	}
}

// ResolveSchemaVersion resolves a request kind to its latest stable version
// and reports whether the index has marked the kind deprecated.
// Kinds the index does not know yet fall back to the static version table.
func (r *Resolver) ResolveSchemaVersion(kind string) (string, bool, error) {
	if !SupportedKinds[kind] {
		return "", false, fmt.Errorf("unsupported request kind: %s", kind)
	}

	index, err := r.getSchemaIndex()
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve %s: %w", kind, err)
	}

	for _, info := range index.Schemas {
		if info.Kind != kind {
			continue
		}
		version := info.LatestStable
		if version == "" && len(info.Versions) > 0 {
			version = info.Versions[len(info.Versions)-1]
		}
		if version == "" {
			version = SchemaVersions[kind]
		}
		return version, info.Status == "deprecated", nil
	}

	return SchemaVersions[kind], false, nil
}

// getSchemaIndex retrieves the schema index, preferring the in-memory cache,
// then the disk cache, then the remote repository.
func (r *Resolver) getSchemaIndex() (*SchemaIndex, error) {
	if r.index != nil && time.Since(r.lastUpdate) < r.cacheTimeout {
		return r.index, nil
	}

	index, err := r.loadFromCache()
	if err == nil && index != nil && time.Since(index.GeneratedAt) < 24*time.Hour {
		r.index = index
		r.lastUpdate = time.Now()
		return index, nil
	}

	index, err = r.fetchFromRemote()
	if err != nil {
		// A stale in-memory index beats failing the request.
		if r.index != nil {
			return r.index, nil
		}
		return nil, fmt.Errorf("failed to fetch schema index: %w", err)
	}

	r.index = index
	r.lastUpdate = time.Now()
	r.saveToCache(index)

	return index, nil
}

// loadFromCache loads the schema index from the local disk cache.
func (r *Resolver) loadFromCache() (*SchemaIndex, error) {
	cachePath := filepath.Join(r.cacheDir, "SCHEMA_INDEX.json")
	data, err := os.ReadFile(cachePath)
	if err != nil {
		return nil, err
	}

	var index SchemaIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}

	return &index, nil
}

// saveToCache writes the schema index to the local disk cache. Cache write
// failures are ignored; the next resolution simply refetches.
func (r *Resolver) saveToCache(index *SchemaIndex) {
	if err := os.MkdirAll(r.cacheDir, 0755); err != nil {
		return
	}

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return
	}

	cachePath := filepath.Join(r.cacheDir, "SCHEMA_INDEX.json")
	_ = os.WriteFile(cachePath, data, 0644)
}

// fetchFromRemote fetches the schema index from the remote schema repository.
func (r *Resolver) fetchFromRemote() (*SchemaIndex, error) {
	indexURL := r.specsURL + "/SCHEMA_INDEX.json"
	resp, err := http.Get(indexURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch schema index: %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var index SchemaIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}

	return &index, nil
}
