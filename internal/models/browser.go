// Package models contains data structures used across handlers
package models

import (
	"strings"
	"time"
)

// ObjectRecord is one entry of an object store listing
type ObjectRecord struct {
	Key          string    `json:"key"`
	Size         uint64    `json:"size"`
	LastModified time.Time `json:"last_modified"`
	StorageClass string    `json:"storage_class,omitempty"`
	ETag         string    `json:"etag,omitempty"`
}

// IsDirectory reports whether the record is a folder marker (key ends with /)
func (r ObjectRecord) IsDirectory() bool {
	return strings.HasSuffix(r.Key, "/")
}

// Name returns the last path segment of the key
func (r ObjectRecord) Name() string {
	trimmed := strings.TrimSuffix(r.Key, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// Breadcrumb for navigation
type Breadcrumb struct {
	Name string
	Path string
}

// BuildBreadcrumbs splits a prefix into clickable path components
func BuildBreadcrumbs(prefix string) []Breadcrumb {
	var breadcrumbs []Breadcrumb
	if prefix == "" {
		return breadcrumbs
	}
	path := ""
	for _, part := range strings.Split(strings.TrimSuffix(prefix, "/"), "/") {
		if part == "" {
			continue
		}
		path += part + "/"
		breadcrumbs = append(breadcrumbs, Breadcrumb{
			Name: part,
			Path: path,
		})
	}
	return breadcrumbs
}
