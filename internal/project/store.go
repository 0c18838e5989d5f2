package project

import (
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/paulmach/orb/geojson"
	"golang.org/x/image/tiff"

	"geoslice/internal/common"
	"geoslice/internal/layering"
	"geoslice/pkg/geotiff"
)

const (
	projectFile = "project.json"
	layersDir   = "layers"
)

// Store keeps one directory per project
type Store struct {
	root string
}

// NewStore creates a store rooted at dir
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create projects directory: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's directory
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory of a project
func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, id)
}

// Save writes the project record
func (s *Store) Save(p *Project) error {
	dir := s.Dir(p.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, projectFile), data)
}

// Load reads a project record
func (s *Store) Load(id string) (*Project, error) {
	if id == "" || filepath.Base(id) != id {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(id), projectFile))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read project: %w", err)
	}
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse project %s: %w", id, err)
	}
	return &p, nil
}

// List returns every stored project, oldest first. Unreadable records are
// skipped.
func (s *Store) List() ([]*Project, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	var out []*Project
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := s.Load(e.Name())
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a project and its layers
func (s *Store) Delete(id string) error {
	if _, err := s.Load(id); err != nil {
		return err
	}
	return os.RemoveAll(s.Dir(id))
}

// SaveLayers writes every layer of set under the project directory and
// returns their references in set order
func (s *Store) SaveLayers(p *Project, set *layering.LayerSet) ([]LayerRef, error) {
	dir := filepath.Join(s.Dir(p.ID), layersDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create layers directory: %w", err)
	}

	refs := make([]LayerRef, 0, len(set.Layers))
	for _, l := range set.Layers {
		ref := LayerRef{Name: l.Name, Type: l.Type, Extent: l.Extent, Resolution: l.Resolution}
		switch l.Type {
		case layering.Vector:
			ref.File = filepath.Join(layersDir, l.Name+".geojson")
			ref.Features = l.FeatureCount()
			data, err := json.Marshal(l.Features)
			if err != nil {
				return nil, fmt.Errorf("failed to encode layer %s: %w", l.Name, err)
			}
			if err := writeFileAtomic(filepath.Join(s.Dir(p.ID), ref.File), data); err != nil {
				return nil, err
			}
		case layering.Raster:
			ref.File = filepath.Join(layersDir, l.Name+".tif")
			err := geotiff.WriteFile(filepath.Join(s.Dir(p.ID), ref.File), l.Grid.Gray(), geotiff.Georef{
				OriginX:     l.Extent.MinX,
				OriginY:     l.Extent.MaxY,
				PixelSize:   l.Resolution,
				EPSG:        common.EPSG,
				Description: p.Name + " " + l.Name,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to write layer %s: %w", l.Name, err)
			}
		default:
			return nil, fmt.Errorf("layer %s has unknown type %q", l.Name, l.Type)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// LoadLayers reads back the layers referenced by a project and checks them
// against its AOI
func (s *Store) LoadLayers(p *Project) (*layering.LayerSet, error) {
	set := &layering.LayerSet{AOI: p.AOI}
	for _, ref := range p.Layers {
		path := filepath.Join(s.Dir(p.ID), ref.File)
		l := &layering.Layer{Name: ref.Name, Type: ref.Type, Extent: ref.Extent, Resolution: ref.Resolution}

		switch ref.Type {
		case layering.Vector:
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read layer %s: %w", ref.Name, err)
			}
			fc, err := geojson.UnmarshalFeatureCollection(data)
			if err != nil {
				return nil, fmt.Errorf("failed to parse layer %s: %w", ref.Name, err)
			}
			l.Features = fc
		case layering.Raster:
			gray, err := readGray(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read layer %s: %w", ref.Name, err)
			}
			if b := gray.Bounds(); b.Dx() != ref.Extent.PixelWidth() || b.Dy() != ref.Extent.PixelHeight() {
				return nil, &layering.LayeringError{Layer: ref.Name, Reason: fmt.Sprintf("stored raster is %dx%d", b.Dx(), b.Dy())}
			}
			l.Grid = layering.GridFromGray(ref.Extent, gray)
		default:
			return nil, fmt.Errorf("layer %s has unknown type %q", ref.Name, ref.Type)
		}
		set.Layers = append(set.Layers, l)
	}

	if err := set.Check(p.AOI); err != nil {
		return nil, err
	}
	return set, nil
}

func readGray(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		return nil, err
	}
	if gray, ok := img.(*image.Gray); ok {
		return gray, nil
	}
	gray := image.NewGray(img.Bounds())
	draw.Draw(gray, gray.Bounds(), img, img.Bounds().Min, draw.Src)
	return gray, nil
}

// writeFileAtomic writes data next to path and renames it into place
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
