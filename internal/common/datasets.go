package common

import (
	"fmt"
	"strings"
)

// DatasetKind identifies one family of IGN source data
type DatasetKind string

const (
	// KindVegetation is BD FORÊT v2, published per department
	KindVegetation DatasetKind = "vegetation"

	// KindTopography is BD TOPO, published per department
	KindTopography DatasetKind = "topography"

	// KindParcels is the RPG agricultural parcel register, published per former region
	KindParcels DatasetKind = "parcels"
)

// AllKinds lists every dataset kind in acquisition order
var AllKinds = []DatasetKind{KindVegetation, KindTopography, KindParcels}

// ParseDatasetKind converts a name to a DatasetKind
func ParseDatasetKind(s string) (DatasetKind, error) {
	switch k := DatasetKind(strings.ToLower(s)); k {
	case KindVegetation, KindTopography, KindParcels:
		return k, nil
	default:
		return "", fmt.Errorf("invalid dataset kind: %s (must be vegetation, topography or parcels)", s)
	}
}

// ArchiveName is the product name used for cache files and IGN links
func (k DatasetKind) ArchiveName() string {
	switch k {
	case KindVegetation:
		return "BDFORET"
	case KindTopography:
		return "BDTOPO"
	case KindParcels:
		return "RPG"
	default:
		return "UNKNOWN"
	}
}

// DisplayName is the human-readable name used in progress labels
func (k DatasetKind) DisplayName() string {
	switch k {
	case KindVegetation:
		return "BD FORÊT"
	case KindTopography:
		return "BD TOPO"
	case KindParcels:
		return "RPG"
	default:
		return string(k)
	}
}

// SourceLayers lists the shapefile basenames extracted from this kind's archive
func (k DatasetKind) SourceLayers() []string {
	switch k {
	case KindVegetation:
		return []string{"FORMATION_VEGETALE"}
	case KindParcels:
		return []string{"PARCELLES_GRAPHIQUES"}
	case KindTopography:
		return []string{
			"AERODROME",
			"CONSTRUCTION_SURFACIQUE",
			"EQUIPEMENT_DE_TRANSPORT",
			"RESERVOIR",
			"TERRAIN_DE_SPORT",
			"TRONCON_DE_VOIE_FERREE",
			"ZONE_D_ESTRAN",
			"BATIMENT",
			"COURS_D_EAU",
			"PLAN_D_EAU",
			"SURFACE_HYDROGRAPHIQUE",
			"TRONCON_DE_ROUTE",
			"VOIE_NOMMEE",
		}
	default:
		return nil
	}
}
