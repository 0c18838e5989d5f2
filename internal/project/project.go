// Package project assembles built layers into persisted projects and drives
// project creation from an AOI.
package project

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"geoslice/internal/acquire"
	"geoslice/internal/common"
	"geoslice/internal/layering"
	"geoslice/internal/region"
)

// Status is the lifecycle state of a project
type Status string

const (
	StatusBuilding Status = "building"
	StatusReady    Status = "ready"
)

// ErrNotFound is returned for an unknown project ID
var ErrNotFound = errors.New("project not found")

// LayerRef is the persisted description of one layer
type LayerRef struct {
	Name       string             `json:"name"`
	Type       layering.LayerType `json:"type"`
	Extent     common.BoundingBox `json:"extent"`
	Resolution float64            `json:"resolution"`
	Features   int                `json:"features,omitempty"`
	File       string             `json:"file"` // relative to the project directory
}

// MissingDataset is a dataset that could not be acquired for a build
type MissingDataset struct {
	Kind    common.DatasetKind `json:"kind"`
	Key     string             `json:"key"`
	Regions []string           `json:"regions"`
	Error   string             `json:"error"`
}

// ExportState records the last successful export
type ExportState struct {
	Path       string    `json:"path"`
	ExportedAt time.Time `json:"exportedAt"`
	Tiles      int       `json:"tiles"`
}

// Project is an AOI with its regions and layers
type Project struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	AOI       common.BoundingBox `json:"aoi"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
	Regions   []region.Ref       `json:"regions"`
	Status    Status             `json:"status"`
	Layers    []LayerRef         `json:"layers,omitempty"`
	Missing   []MissingDataset   `json:"missing,omitempty"`
	Export    *ExportState       `json:"export,omitempty"`
}

// New creates a building project
func New(name string, aoi common.BoundingBox, regions []region.Region) *Project {
	now := time.Now().UTC()
	refs := make([]region.Ref, len(regions))
	for i, r := range regions {
		refs[i] = r.Ref()
	}
	return &Project{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		AOI:       aoi,
		CreatedAt: now,
		UpdatedAt: now,
		Regions:   refs,
		Status:    StatusBuilding,
	}
}

// Ready reports whether the project can be exported
func (p *Project) Ready() bool {
	return p.Status == StatusReady
}

// RegionCodes returns the codes of the project's regions in order
func (p *Project) RegionCodes() []string {
	codes := make([]string, len(p.Regions))
	for i, r := range p.Regions {
		codes[i] = r.Code
	}
	return codes
}

// Layer returns the named layer reference
func (p *Project) Layer(name string) (LayerRef, bool) {
	for _, l := range p.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return LayerRef{}, false
}

// BuildError reports a build that left the project in building state
// because datasets could not be acquired
type BuildError struct {
	ProjectID string
	Missing   []MissingDataset
	Errs      []error
}

func (e *BuildError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		parts[i] = fmt.Sprintf("%s (regions %s)", m.Key, strings.Join(m.Regions, ","))
	}
	return fmt.Sprintf("project %s is still building: missing %s", e.ProjectID, strings.Join(parts, "; "))
}

// Unwrap exposes the per-key acquisition errors
func (e *BuildError) Unwrap() []error {
	return e.Errs
}

// missingFrom converts failed key statuses
func missingFrom(statuses []acquire.KeyStatus) ([]MissingDataset, []error) {
	var missing []MissingDataset
	var errs []error
	for _, s := range statuses {
		if s.OK() {
			continue
		}
		err := s.Err
		if err == nil {
			err = fmt.Errorf("%s: no entry", s.Key)
		}
		missing = append(missing, MissingDataset{
			Kind:    s.Key.Kind,
			Key:     s.Key.String(),
			Regions: append([]string(nil), s.Regions...),
			Error:   err.Error(),
		})
		errs = append(errs, err)
	}
	return missing, errs
}
