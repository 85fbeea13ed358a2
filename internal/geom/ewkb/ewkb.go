// Package ewkb encodes and decodes the little-endian EWKB byte layout §4.2
// specifies: a 1-byte endian marker, a 4-byte type code with the
// 0x20000000 "has SRID" bit set, a 4-byte SRID, then type-specific data.
//
// orb ships its own encoding/wkb package, but it doesn't expose this
// project's exact SRID-flag framing (osm2pgsql's EWKB dialect predates the
// OGC SRID extension most libraries standardized on, and differs in where
// the component-count appears for collections) — so this is a small,
// deliberate hand-rolled encoder/decoder over encoding/binary and orb's
// plain geometry types, not a reimplementation of logic orb already has.
package ewkb

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

const (
	typePoint              = 1
	typeLineString         = 2
	typePolygon            = 3
	typeMultiPoint         = 4
	typeMultiLineString    = 5
	typeMultiPolygon       = 6
	typeGeometryCollection = 7

	sridFlag = 0x20000000
)

// Encode serialises g as little-endian EWKB with the given SRID.
func Encode(g orb.Geometry, srid int32) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf, err := encodeGeometry(buf, g, &srid)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// encodeGeometry writes g's header (with SRID, if sridPtr is non-nil) and
// body. Sub-geometries of a multi-geometry pass sridPtr=nil so the SRID is
// only written once, at the top level, per §4.2.
func encodeGeometry(buf []byte, g orb.Geometry, sridPtr *int32) ([]byte, error) {
	if g == nil {
		return nil, fmt.Errorf("ewkb: cannot encode nil geometry")
	}

	typeCode, err := typeCodeOf(g)
	if err != nil {
		return nil, err
	}

	buf = append(buf, 0x01) // little endian
	wireType := uint32(typeCode)
	if sridPtr != nil {
		wireType |= sridFlag
	}
	buf = appendUint32(buf, wireType)
	if sridPtr != nil {
		buf = appendUint32(buf, uint32(*sridPtr))
	}

	switch v := g.(type) {
	case orb.Point:
		buf = appendPoint(buf, v)
	case orb.LineString:
		buf = appendPointList(buf, v)
	case orb.Polygon:
		buf = appendUint32(buf, uint32(len(v)))
		for _, ring := range v {
			buf = appendPointList(buf, orb.LineString(ring))
		}
	case orb.MultiPoint:
		buf = appendUint32(buf, uint32(len(v)))
		for _, p := range v {
			var errInner error
			buf, errInner = encodeGeometry(buf, p, nil)
			if errInner != nil {
				return nil, errInner
			}
		}
	case orb.MultiLineString:
		buf = appendUint32(buf, uint32(len(v)))
		for _, ls := range v {
			var errInner error
			buf, errInner = encodeGeometry(buf, ls, nil)
			if errInner != nil {
				return nil, errInner
			}
		}
	case orb.MultiPolygon:
		buf = appendUint32(buf, uint32(len(v)))
		for _, poly := range v {
			var errInner error
			buf, errInner = encodeGeometry(buf, poly, nil)
			if errInner != nil {
				return nil, errInner
			}
		}
	case orb.Collection:
		buf = appendUint32(buf, uint32(len(v)))
		for _, sub := range v {
			var errInner error
			buf, errInner = encodeGeometry(buf, sub, nil)
			if errInner != nil {
				return nil, errInner
			}
		}
	default:
		return nil, fmt.Errorf("ewkb: unsupported geometry type %T", g)
	}

	return buf, nil
}

func typeCodeOf(g orb.Geometry) (int, error) {
	switch g.(type) {
	case orb.Point:
		return typePoint, nil
	case orb.LineString:
		return typeLineString, nil
	case orb.Polygon:
		return typePolygon, nil
	case orb.MultiPoint:
		return typeMultiPoint, nil
	case orb.MultiLineString:
		return typeMultiLineString, nil
	case orb.MultiPolygon:
		return typeMultiPolygon, nil
	case orb.Collection:
		return typeGeometryCollection, nil
	default:
		return 0, fmt.Errorf("ewkb: unsupported geometry type %T", g)
	}
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendFloat64(buf []byte, v float64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	return append(buf, tmp[:]...)
}

func appendPoint(buf []byte, p orb.Point) []byte {
	buf = appendFloat64(buf, p[0])
	buf = appendFloat64(buf, p[1])
	return buf
}

func appendPointList(buf []byte, points []orb.Point) []byte {
	buf = appendUint32(buf, uint32(len(points)))
	for _, p := range points {
		buf = appendPoint(buf, p)
	}
	return buf
}

// decoder reads sequentially from a byte buffer, tracking position.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) readByte() (byte, error) {
	if d.remaining() < 1 {
		return 0, fmt.Errorf("ewkb: unexpected end of input reading byte")
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readUint32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, fmt.Errorf("ewkb: unexpected end of input reading uint32")
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v, nil
}

func (d *decoder) readFloat64() (float64, error) {
	if d.remaining() < 8 {
		return 0, fmt.Errorf("ewkb: unexpected end of input reading float64")
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(d.buf[d.pos : d.pos+8]))
	d.pos += 8
	return v, nil
}

func (d *decoder) readPoint() (orb.Point, error) {
	x, err := d.readFloat64()
	if err != nil {
		return orb.Point{}, err
	}
	y, err := d.readFloat64()
	if err != nil {
		return orb.Point{}, err
	}
	return orb.Point{x, y}, nil
}

func (d *decoder) readPointList() ([]orb.Point, error) {
	n, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	out := make([]orb.Point, n)
	for i := range out {
		p, err := d.readPoint()
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// Decode parses little-endian EWKB and returns the geometry and its SRID
// (0 if the buffer carried no SRID; that is not an error).
func Decode(data []byte) (orb.Geometry, int32, error) {
	d := &decoder{buf: data}

	endian, err := d.readByte()
	if err != nil {
		return nil, 0, err
	}
	if endian != 0x01 {
		return nil, 0, fmt.Errorf("ewkb: only little-endian EWKB is supported, got marker 0x%02x", endian)
	}

	g, srid, err := d.decodeGeometryWithHeader()
	if err != nil {
		return nil, 0, err
	}
	return g, srid, nil
}

// decodeGeometryWithHeader reads the type/SRID header (already past the
// endian marker) and dispatches to the matching body decoder.
func (d *decoder) decodeGeometryWithHeader() (orb.Geometry, int32, error) {
	wireType, err := d.readUint32()
	if err != nil {
		return nil, 0, err
	}

	var srid int32
	if wireType&sridFlag != 0 {
		v, err := d.readUint32()
		if err != nil {
			return nil, 0, err
		}
		srid = int32(v)
	}

	g, err := d.decodeBody(wireType &^ sridFlag)
	if err != nil {
		return nil, 0, err
	}
	return g, srid, nil
}

// decodeSubGeometry reads one component of a multi-geometry: its own
// endian marker plus header, per §4.2 ("each component encoded as a
// stand-alone geometry without repeated SRID").
func (d *decoder) decodeSubGeometry() (orb.Geometry, error) {
	endian, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if endian != 0x01 {
		return nil, fmt.Errorf("ewkb: only little-endian EWKB is supported, got marker 0x%02x", endian)
	}
	g, _, err := d.decodeGeometryWithHeader()
	return g, err
}

func (d *decoder) decodeBody(typeCode uint32) (orb.Geometry, error) {
	switch typeCode {
	case typePoint:
		return d.readPoint()
	case typeLineString:
		points, err := d.readPointList()
		if err != nil {
			return nil, err
		}
		return orb.LineString(points), nil
	case typePolygon:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		poly := make(orb.Polygon, n)
		for i := range poly {
			points, err := d.readPointList()
			if err != nil {
				return nil, err
			}
			poly[i] = orb.Ring(points)
		}
		return poly, nil
	case typeMultiPoint:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		mp := make(orb.MultiPoint, n)
		for i := range mp {
			sub, err := d.decodeSubGeometry()
			if err != nil {
				return nil, err
			}
			p, ok := sub.(orb.Point)
			if !ok {
				return nil, fmt.Errorf("ewkb: multipoint component is %T, not a point", sub)
			}
			mp[i] = p
		}
		return mp, nil
	case typeMultiLineString:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		mls := make(orb.MultiLineString, n)
		for i := range mls {
			sub, err := d.decodeSubGeometry()
			if err != nil {
				return nil, err
			}
			ls, ok := sub.(orb.LineString)
			if !ok {
				return nil, fmt.Errorf("ewkb: multilinestring component is %T, not a linestring", sub)
			}
			mls[i] = ls
		}
		return mls, nil
	case typeMultiPolygon:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		mp := make(orb.MultiPolygon, n)
		for i := range mp {
			sub, err := d.decodeSubGeometry()
			if err != nil {
				return nil, err
			}
			poly, ok := sub.(orb.Polygon)
			if !ok {
				return nil, fmt.Errorf("ewkb: multipolygon component is %T, not a polygon", sub)
			}
			mp[i] = poly
		}
		return mp, nil
	case typeGeometryCollection:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		coll := make(orb.Collection, n)
		for i := range coll {
			sub, err := d.decodeSubGeometry()
			if err != nil {
				return nil, err
			}
			coll[i] = sub
		}
		return coll, nil
	default:
		return nil, fmt.Errorf("ewkb: unknown geometry type code %d", typeCode)
	}
}
