// Package layering clips the acquired source datasets to an area of interest,
// merges them across regions and rasterizes them onto the 10 m export grid.
package layering

import (
	"fmt"
	"strings"

	"geoslice/internal/common"
)

// LayerType distinguishes vector and raster layers
type LayerType string

const (
	Vector LayerType = "vector"
	Raster LayerType = "raster"
)

// Layer names
const (
	LayerRegions          = "regions"
	LayerVegetation       = "vegetation"
	LayerParcels          = "parcels"
	LayerHydrology        = "hydrology"
	LayerRoads            = "roads"
	LayerRailways         = "railways"
	LayerBuildings        = "buildings"
	LayerInfrastructure   = "infrastructure"
	LayerLandcover        = "landcover"
	LayerVegetationRaster = "vegetation_raster"
	LayerHydrologyRaster  = "hydrology_raster"
)

// Theme is a vector layer built from source shapefiles
type Theme struct {
	Name         string
	Kind         common.DatasetKind
	Sources      []string
	CategoryAttr string
}

// Themes lists the vector layers built from datasets, in output order
var Themes = []Theme{
	{Name: LayerVegetation, Kind: common.KindVegetation, Sources: []string{"FORMATION_VEGETALE"}, CategoryAttr: "ESSENCE"},
	{Name: LayerParcels, Kind: common.KindParcels, Sources: []string{"PARCELLES_GRAPHIQUES"}, CategoryAttr: "CODE_GROUP"},
	{Name: LayerHydrology, Kind: common.KindTopography, Sources: []string{"COURS_D_EAU", "PLAN_D_EAU", "SURFACE_HYDROGRAPHIQUE", "RESERVOIR", "ZONE_D_ESTRAN"}, CategoryAttr: "NATURE"},
	{Name: LayerRoads, Kind: common.KindTopography, Sources: []string{"TRONCON_DE_ROUTE", "VOIE_NOMMEE"}, CategoryAttr: "NATURE"},
	{Name: LayerRailways, Kind: common.KindTopography, Sources: []string{"TRONCON_DE_VOIE_FERREE"}, CategoryAttr: "NATURE"},
	{Name: LayerBuildings, Kind: common.KindTopography, Sources: []string{"BATIMENT", "CONSTRUCTION_SURFACIQUE"}, CategoryAttr: "NATURE"},
	{Name: LayerInfrastructure, Kind: common.KindTopography, Sources: []string{"AERODROME", "EQUIPEMENT_DE_TRANSPORT", "TERRAIN_DE_SPORT"}, CategoryAttr: "NATURE"},
}

// VectorLayers and RasterLayers list every layer of a complete set, in order
var (
	VectorLayers = []string{LayerRegions, LayerVegetation, LayerParcels, LayerHydrology, LayerRoads, LayerRailways, LayerBuildings, LayerInfrastructure}
	RasterLayers = []string{LayerLandcover, LayerVegetationRaster, LayerHydrologyRaster}
)

// Class is a landcover raster value
type Class uint8

const (
	Background Class = iota
	Water
	Broadleaf
	OtherVegetation
	UndefinedVegetation
	Parcel
	Built
	Road
	Rail

	numClasses = int(Rail) + 1
)

var classNames = [numClasses]string{"background", "water", "broadleaf", "other_vegetation", "undefined_vegetation", "parcel", "built", "road", "rail"}

func (c Class) String() string {
	if int(c) < numClasses {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Group is a tie-break family of classes
type Group string

const (
	GroupWater      Group = "water"
	GroupVegetation Group = "vegetation"
	GroupOther      Group = "other"
)

// DefaultPriority resolves area ties in favour of water, then vegetation
var DefaultPriority = []Group{GroupWater, GroupVegetation, GroupOther}

// Group returns the tie-break family of the class
func (c Class) Group() Group {
	switch c {
	case Water:
		return GroupWater
	case Broadleaf, OtherVegetation, UndefinedVegetation, Parcel:
		return GroupVegetation
	default:
		return GroupOther
	}
}

// ParsePriority converts group names to a priority order. Groups left out
// rank after the listed ones in default order.
func ParsePriority(names []string) ([]Group, error) {
	var out []Group
	seen := make(map[Group]bool)
	for _, n := range names {
		g := Group(strings.ToLower(strings.TrimSpace(n)))
		switch g {
		case GroupWater, GroupVegetation, GroupOther:
		default:
			return nil, fmt.Errorf("unknown priority group %q", n)
		}
		if seen[g] {
			return nil, fmt.Errorf("priority group %q listed twice", n)
		}
		seen[g] = true
		out = append(out, g)
	}
	for _, g := range DefaultPriority {
		if !seen[g] {
			out = append(out, g)
		}
	}
	return out, nil
}

var broadleafEssences = map[string]bool{
	"Feuillus":             true,
	"Châtaignier":          true,
	"Chênes sempervirents": true,
	"Chênes décidus":       true,
	"Hêtre":                true,
}

var undefinedEssences = map[string]bool{
	"NC": true,
	"NR": true,
}

// VegetationClass classifies a BD FORÊT polygon by its ESSENCE attribute
func VegetationClass(essence string) Class {
	essence = strings.TrimSpace(essence)
	switch {
	case broadleafEssences[essence]:
		return Broadleaf
	case undefinedEssences[essence]:
		return UndefinedVegetation
	default:
		return OtherVegetation
	}
}

// classify returns the landcover class a feature of a theme contributes
func classify(theme string, props map[string]string) Class {
	switch theme {
	case LayerVegetation:
		return VegetationClass(props["ESSENCE"])
	case LayerParcels:
		return Parcel
	case LayerHydrology:
		return Water
	case LayerRoads:
		return Road
	case LayerRailways:
		return Rail
	case LayerBuildings, LayerInfrastructure:
		return Built
	default:
		return Background
	}
}
