package common

// Fixed projection and grid parameters shared by every stage of the pipeline
const (
	// EPSG is the only supported coordinate reference system (RGF93 / Lambert-93)
	EPSG = 2154

	// CRSName is the identifier used in WMS requests and vector packages
	CRSName = "EPSG:2154"

	// Resolution is the ground size of one raster pixel in meters
	Resolution = 10.0

	// TilePixels is the edge length of an exported tile in pixels
	TilePixels = 500

	// TileMeters is the ground edge length of an exported tile
	TileMeters = TilePixels * Resolution
)

// Lambert-93 projected bounds, used to reject obviously foreign coordinates
const (
	MinEasting  = -378305.81
	MaxEasting  = 1320649.57
	MinNorthing = 6005281.20
	MaxNorthing = 7235612.72
)
