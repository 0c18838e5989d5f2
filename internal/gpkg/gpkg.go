// Package gpkg writes and reads OGC GeoPackage vector files on top of the
// pure Go SQLite driver.
package gpkg

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	_ "modernc.org/sqlite"
)

const (
	// ApplicationID is "GPKG" in the SQLite header
	ApplicationID = 0x47504B47
	// UserVersion is GeoPackage 1.3.0
	UserVersion = 10300

	geomColumn = "geom"
	fidColumn  = "fid"
)

// Lambert93WKT is the definition stored for srs_id 2154
const Lambert93WKT = `PROJCS["RGF93 / Lambert-93",GEOGCS["RGF93",DATUM["Reseau_Geodesique_Francais_1993",SPHEROID["GRS 1980",6378137,298.257222101]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]],PROJECTION["Lambert_Conformal_Conic_2SP"],PARAMETER["standard_parallel_1",49],PARAMETER["standard_parallel_2",44],PARAMETER["latitude_of_origin",46.5],PARAMETER["central_meridian",3],PARAMETER["false_easting",700000],PARAMETER["false_northing",6600000],UNIT["metre",1],AUTHORITY["EPSG","2154"]]`

const wgs84WKT = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433],AUTHORITY["EPSG","4326"]]`

var schema = []string{
	`CREATE TABLE gpkg_spatial_ref_sys (
		srs_name TEXT NOT NULL,
		srs_id INTEGER PRIMARY KEY,
		organization TEXT NOT NULL,
		organization_coordsys_id INTEGER NOT NULL,
		definition TEXT NOT NULL,
		description TEXT
	)`,
	`CREATE TABLE gpkg_contents (
		table_name TEXT NOT NULL PRIMARY KEY,
		data_type TEXT NOT NULL,
		identifier TEXT UNIQUE,
		description TEXT DEFAULT '',
		last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		min_x DOUBLE,
		min_y DOUBLE,
		max_x DOUBLE,
		max_y DOUBLE,
		srs_id INTEGER,
		CONSTRAINT fk_gc_r_srs_id FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
	)`,
	`CREATE TABLE gpkg_geometry_columns (
		table_name TEXT NOT NULL,
		column_name TEXT NOT NULL,
		geometry_type_name TEXT NOT NULL,
		srs_id INTEGER NOT NULL,
		z TINYINT NOT NULL,
		m TINYINT NOT NULL,
		CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name),
		CONSTRAINT uk_gc_table_name UNIQUE (table_name),
		CONSTRAINT fk_gc_tn FOREIGN KEY (table_name) REFERENCES gpkg_contents(table_name),
		CONSTRAINT fk_gc_srs FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
	)`,
}

// LayerInfo describes a feature table listed in gpkg_contents
type LayerInfo struct {
	Name         string
	Identifier   string
	Description  string
	Bound        orb.Bound
	SRSID        int
	GeometryType string
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Writer creates a GeoPackage and appends feature layers to it
type Writer struct {
	db    *sql.DB
	path  string
	srsID int32
}

// Create initializes a new GeoPackage at path, replacing any existing file.
// Geometries are written with srsID, which must be 2154 or 4326.
func Create(ctx context.Context, path string, srsID int32) (*Writer, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to replace %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geopackage: %w", err)
	}
	db.SetMaxOpenConns(1)

	w := &Writer{db: db, path: path, srsID: srsID}
	if err := w.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) init(ctx context.Context) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA application_id = %d", ApplicationID),
		fmt.Sprintf("PRAGMA user_version = %d", UserVersion),
	}
	for _, stmt := range append(pragmas, schema...) {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize geopackage: %w", err)
		}
	}

	query, args, err := sq.Insert("gpkg_spatial_ref_sys").
		Columns("srs_name", "srs_id", "organization", "organization_coordsys_id", "definition", "description").
		Values("Undefined cartesian SRS", -1, "NONE", -1, "undefined", "undefined cartesian coordinate reference system").
		Values("Undefined geographic SRS", 0, "NONE", 0, "undefined", "undefined geographic coordinate reference system").
		Values("WGS 84 geodetic", 4326, "EPSG", 4326, wgs84WKT, "longitude/latitude coordinates in decimal degrees on the WGS 84 spheroid").
		Values("RGF93 / Lambert-93", 2154, "EPSG", 2154, Lambert93WKT, "French metropolitan projection").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to register spatial reference systems: %w", err)
	}
	return nil
}

// WriteLayer stores a feature collection as a new table. Every property
// becomes a TEXT column. extent is recorded in gpkg_contents.
func (w *Writer) WriteLayer(ctx context.Context, name, description string, fc *geojson.FeatureCollection, extent orb.Bound) error {
	columns := propertyColumns(fc)
	geoms := make([]orb.Geometry, 0, len(fc.Features))
	for _, f := range fc.Features {
		geoms = append(geoms, f.Geometry)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	defs := []string{quote(fidColumn) + " INTEGER PRIMARY KEY AUTOINCREMENT", quote(geomColumn) + " BLOB"}
	for _, c := range columns {
		defs = append(defs, quote(c)+" TEXT")
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", quote(name), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to create layer %s: %w", name, err)
	}

	query, args, err := sq.Insert("gpkg_contents").
		Columns("table_name", "data_type", "identifier", "description", "min_x", "min_y", "max_x", "max_y", "srs_id").
		Values(name, "features", name, description, extent.Min[0], extent.Min[1], extent.Max[0], extent.Max[1], w.srsID).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to register layer %s: %w", name, err)
	}

	query, args, err = sq.Insert("gpkg_geometry_columns").
		Columns("table_name", "column_name", "geometry_type_name", "srs_id", "z", "m").
		Values(name, geomColumn, geometryTypeName(geoms), w.srsID, 0, 0).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to register geometry column of %s: %w", name, err)
	}

	if len(fc.Features) > 0 {
		cols := append([]string{quote(geomColumn)}, quoteAll(columns)...)
		insert, _, err := sq.Insert(quote(name)).Columns(cols...).Values(make([]interface{}, len(cols))...).ToSql()
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return fmt.Errorf("failed to prepare insert into %s: %w", name, err)
		}
		defer stmt.Close()

		for i, f := range fc.Features {
			if err := ctx.Err(); err != nil {
				return err
			}
			blob, err := EncodeGeometry(f.Geometry, w.srsID)
			if err != nil {
				return fmt.Errorf("feature %d of %s: %w", i, name, err)
			}
			row := make([]interface{}, 0, len(cols))
			row = append(row, blob)
			for _, c := range columns {
				v, ok := f.Properties[c]
				if !ok || v == nil {
					row = append(row, nil)
					continue
				}
				row = append(row, fmt.Sprint(v))
			}
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return fmt.Errorf("failed to insert feature %d into %s: %w", i, name, err)
			}
		}
	}

	return tx.Commit()
}

// Close flushes and closes the database
func (w *Writer) Close() error {
	return w.db.Close()
}

// propertyColumns is the sorted union of property keys, without the reserved
// column names
func propertyColumns(fc *geojson.FeatureCollection) []string {
	seen := map[string]bool{fidColumn: true, geomColumn: true}
	var cols []string
	for _, f := range fc.Features {
		for k := range f.Properties {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quote(n)
	}
	return out
}

// Reader reads feature layers from a GeoPackage
type Reader struct {
	db *sql.DB
}

// Open opens an existing GeoPackage and checks its application id
func Open(ctx context.Context, path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geopackage: %w", err)
	}
	var appID int64
	if err := db.QueryRowContext(ctx, "PRAGMA application_id").Scan(&appID); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read application id: %w", err)
	}
	if appID != ApplicationID {
		db.Close()
		return nil, fmt.Errorf("%s is not a GeoPackage (application id %#x)", path, appID)
	}
	return &Reader{db: db}, nil
}

// Layers lists the feature tables in name order
func (r *Reader) Layers(ctx context.Context) ([]LayerInfo, error) {
	query, args, err := sq.Select("c.table_name", "c.identifier", "c.description", "c.min_x", "c.min_y", "c.max_x", "c.max_y", "c.srs_id", "g.geometry_type_name").
		From("gpkg_contents c").
		Join("gpkg_geometry_columns g ON g.table_name = c.table_name").
		Where(sq.Eq{"c.data_type": "features"}).
		OrderBy("c.table_name").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list layers: %w", err)
	}
	defer rows.Close()

	var layers []LayerInfo
	for rows.Next() {
		var l LayerInfo
		var ident, desc sql.NullString
		if err := rows.Scan(&l.Name, &ident, &desc, &l.Bound.Min[0], &l.Bound.Min[1], &l.Bound.Max[0], &l.Bound.Max[1], &l.SRSID, &l.GeometryType); err != nil {
			return nil, err
		}
		l.Identifier, l.Description = ident.String, desc.String
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

// ReadLayer loads every feature of a table in insertion order
func (r *Reader) ReadLayer(ctx context.Context, name string) (*geojson.FeatureCollection, error) {
	query, args, err := sq.Select("*").From(quote(name)).OrderBy(quote(fidColumn)).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read layer %s: %w", name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	fc := geojson.NewFeatureCollection()
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		var f *geojson.Feature
		props := geojson.Properties{}
		for i, c := range cols {
			switch c {
			case fidColumn:
				continue
			case geomColumn:
				blob, ok := values[i].([]byte)
				if !ok {
					return nil, fmt.Errorf("layer %s: geometry column holds %T", name, values[i])
				}
				g, _, err := DecodeGeometry(blob)
				if err != nil {
					return nil, fmt.Errorf("layer %s: %w", name, err)
				}
				f = geojson.NewFeature(g)
			default:
				switch v := values[i].(type) {
				case nil:
				case []byte:
					props[c] = string(v)
				default:
					props[c] = fmt.Sprint(v)
				}
			}
		}
		if f == nil {
			return nil, fmt.Errorf("layer %s has no %s column", name, geomColumn)
		}
		f.Properties = props
		fc.Append(f)
	}
	return fc, rows.Err()
}

// Close closes the database
func (r *Reader) Close() error {
	return r.db.Close()
}
