// Package reproject converts between WGS84 lon/lat, an arbitrary target
// spatial reference system, and Web Mercator tile space.
//
// The three concrete Reprojector variants mirror
// geotiff2pmtiles/internal/coord's ForEPSG dispatch (WGS84Identity,
// WebMercatorProj, plus a delegating case for anything else) but are shaped
// around this spec's target-SRS-centric contract: callers reproject OSM
// lon/lat into the *target* SRS for storage, and separately map the target
// SRS into tile space for expiry.
package reproject

import "math"

// EarthCircumference is the equatorial circumference in meters, used both
// for the spherical Mercator projection and for tile-space mapping.
const EarthCircumference = 40075016.68

const maxLat = 89.99

// Point is a 2D coordinate pair in whatever SRS the context implies.
type Point struct {
	X, Y float64
}

// Projector is the "opaque external projection library" collaborator: a
// generic CRS <-> CRS coordinate transform, e.g. a PROJ/GDAL binding. The
// core never talks to PROJ directly; it only requires this seam.
type Projector interface {
	// Project converts a point from srcEPSG to dstEPSG.
	Project(srcEPSG, dstEPSG int, p Point) (Point, error)
}

// Reprojector converts a WGS84 (lon, lat) to target-SRS coordinates, and
// target-SRS coordinates into Web Mercator tile space.
type Reprojector interface {
	// TargetProject converts WGS84 lon/lat (degrees) to the target SRS.
	TargetProject(lon, lat float64) (Point, error)
	// TargetToTile converts a target-SRS point to Web Mercator (EPSG:3857).
	TargetToTile(p Point) (Point, error)
	// TargetSRS returns the target SRID.
	TargetSRS() int32
	// TargetIsLatLon reports whether the target SRS is WGS84 lon/lat.
	TargetIsLatLon() bool
}

func clampLat(lat float64) float64 {
	if lat > maxLat {
		return maxLat
	}
	if lat < -maxLat {
		return -maxLat
	}
	return lat
}

func sphericalMercator(lon, lat float64) Point {
	lat = clampLat(lat)
	x := lon * (EarthCircumference / 2) / 180.0
	y := math.Log(math.Tan((90.0+lat)*math.Pi/360.0)) / (math.Pi / 180.0)
	y = y * (EarthCircumference / 2) / 180.0
	return Point{X: x, Y: y}
}

// latlon is the lat/lon passthrough variant (SRS 4326).
type latlon struct{}

// NewLatLon returns a Reprojector whose target SRS is WGS84 lon/lat: target
// projection is the identity, tile mapping is spherical Mercator.
func NewLatLon() Reprojector { return latlon{} }

func (latlon) TargetProject(lon, lat float64) (Point, error) {
	return Point{X: lon, Y: lat}, nil
}

func (latlon) TargetToTile(p Point) (Point, error) {
	return sphericalMercator(p.X, p.Y), nil
}

func (latlon) TargetSRS() int32       { return 4326 }
func (latlon) TargetIsLatLon() bool   { return true }

// webMercator is the Web Mercator variant (SRS 3857).
type webMercator struct{}

// NewWebMercator returns a Reprojector whose target SRS is Web Mercator:
// target projection is spherical Mercator, tile mapping is the identity.
func NewWebMercator() Reprojector { return webMercator{} }

func (webMercator) TargetProject(lon, lat float64) (Point, error) {
	return sphericalMercator(lon, lat), nil
}

func (webMercator) TargetToTile(p Point) (Point, error) {
	return p, nil
}

func (webMercator) TargetSRS() int32     { return 3857 }
func (webMercator) TargetIsLatLon() bool { return false }

// generic delegates to an external Projector for any SRS other than 4326 or
// 3857 (e.g. a national grid such as Swiss LV95 — see the teacher's own
// internal/coord/swiss.go for a worked non-Mercator example this mirrors).
type generic struct {
	srid int32
	proj Projector
}

// NewGeneric returns a Reprojector for an arbitrary EPSG code, delegating
// coordinate transforms to proj.
func NewGeneric(srid int32, proj Projector) Reprojector {
	return &generic{srid: srid, proj: proj}
}

func (g *generic) TargetProject(lon, lat float64) (Point, error) {
	return g.proj.Project(4326, int(g.srid), Point{X: lon, Y: lat})
}

func (g *generic) TargetToTile(p Point) (Point, error) {
	return g.proj.Project(int(g.srid), 3857, p)
}

func (g *generic) TargetSRS() int32     { return g.srid }
func (g *generic) TargetIsLatLon() bool { return false }

// mapWidth returns 2^zoom, the number of tiles per axis at that zoom level.
func mapWidth(zoom int) float64 {
	return math.Exp2(float64(zoom))
}

// CoordsToTile converts a WGS84 lon/lat into a fractional tile (x, y) at the
// given zoom: project to 3857, then map [-C/2, C/2] -> [0, mapWidth] on x
// and [C/2, -C/2] -> [0, mapWidth] on y (y flipped to increase southward).
func CoordsToTile(r Reprojector, lon, lat float64, zoom int) (x, y float64, err error) {
	target, err := r.TargetProject(lon, lat)
	if err != nil {
		return 0, 0, err
	}
	merc, err := r.TargetToTile(target)
	if err != nil {
		return 0, 0, err
	}
	return MercatorToTile(merc, zoom)
}

// MercatorToTile maps an EPSG:3857 point directly into fractional tile space
// at the given zoom, without going through lon/lat.
func MercatorToTile(merc Point, zoom int) (x, y float64, err error) {
	w := mapWidth(zoom)
	half := EarthCircumference / 2
	x = w * (merc.X + half) / EarthCircumference
	y = w * (half - merc.Y) / EarthCircumference
	return x, y, nil
}
