// Package xmlsource is the one concrete osm.Source this repository ships:
// a streaming reader for OSM XML (.osm) and osmChange (.osc) documents.
//
// It exists so the pipeline has something real to drive end to end; the
// core depends only on osm.Source, never on this package.
package xmlsource

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"github.com/tilefeeder/osm2pg/internal/osm"
)

// Source reads OSM XML or osmChange XML from r. Change documents wrap
// elements in <create>/<modify>/<delete> groups; plain .osm documents are
// treated as an implicit <create> group.
type Source struct {
	r io.Reader
}

// New returns a Source reading from r.
func New(r io.Reader) *Source {
	return &Source{r: r}
}

type xmlTag struct {
	K string `xml:"k,attr"`
	V string `xml:"v,attr"`
}

type xmlNd struct {
	Ref int64 `xml:"ref,attr"`
}

type xmlMember struct {
	Type string `xml:"type,attr"`
	Ref  int64  `xml:"ref,attr"`
	Role string `xml:"role,attr"`
}

type xmlNode struct {
	ID      int64     `xml:"id,attr"`
	Version uint32    `xml:"version,attr"`
	Lat     string    `xml:"lat,attr"`
	Lon     string    `xml:"lon,attr"`
	Tags    []xmlTag  `xml:"tag"`
}

type xmlWay struct {
	ID      int64      `xml:"id,attr"`
	Version uint32     `xml:"version,attr"`
	Nds     []xmlNd    `xml:"nd"`
	Tags    []xmlTag   `xml:"tag"`
}

type xmlRelation struct {
	ID      int64       `xml:"id,attr"`
	Version uint32      `xml:"version,attr"`
	Members []xmlMember `xml:"member"`
	Tags    []xmlTag    `xml:"tag"`
}

func toTags(in []xmlTag) osm.Tags {
	if len(in) == 0 {
		return nil
	}
	out := make(osm.Tags, len(in))
	for i, t := range in {
		out[i] = osm.Tag{Key: t.K, Value: t.V}
	}
	return out
}

func toMemberType(s string) osm.Type {
	switch s {
	case "way":
		return osm.TypeWay
	case "relation":
		return osm.TypeRelation
	default:
		return osm.TypeNode
	}
}

// Run decodes the document and dispatches events to h in document order.
// kind tracks which element group (within an osmChange file) is active;
// plain .osm documents never change it, so every element is an EventAdd.
func (s *Source) Run(ctx context.Context, h osm.Handler) error {
	dec := xml.NewDecoder(s.r)
	kind := osm.EventAdd

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("xmlsource: decode: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "create":
			kind = osm.EventAdd
		case "modify":
			kind = osm.EventModify
		case "delete":
			kind = osm.EventDelete
		case "node":
			var n xmlNode
			if err := dec.DecodeElement(&n, &start); err != nil {
				return fmt.Errorf("xmlsource: decode node: %w", err)
			}
			node, err := decodeNode(n, kind)
			if err != nil {
				return err
			}
			if err := h.OnNode(node); err != nil {
				return err
			}
		case "way":
			var w xmlWay
			if err := dec.DecodeElement(&w, &start); err != nil {
				return fmt.Errorf("xmlsource: decode way: %w", err)
			}
			way := decodeWay(w, kind)
			if err := h.OnWay(way); err != nil {
				return err
			}
		case "relation":
			var r xmlRelation
			if err := dec.DecodeElement(&r, &start); err != nil {
				return fmt.Errorf("xmlsource: decode relation: %w", err)
			}
			rel := decodeRelation(r, kind)
			if err := h.OnRelation(rel); err != nil {
				return err
			}
		}
	}

	return h.OnChangesetEnd()
}

func decodeNode(n xmlNode, kind osm.EventKind) (osm.Node, error) {
	node := osm.Node{ID: n.ID, Version: n.Version, Deleted: kind == osm.EventDelete}
	if node.Deleted {
		return node, nil
	}
	lon, err := strconv.ParseFloat(n.Lon, 64)
	if err != nil {
		return osm.Node{}, fmt.Errorf("xmlsource: node %d: bad lon: %w", n.ID, err)
	}
	lat, err := strconv.ParseFloat(n.Lat, 64)
	if err != nil {
		return osm.Node{}, fmt.Errorf("xmlsource: node %d: bad lat: %w", n.ID, err)
	}
	node.Location = osm.Location{Lon: lon, Lat: lat, Valid: true}
	node.Tags = toTags(n.Tags)
	return node, nil
}

func decodeWay(w xmlWay, kind osm.EventKind) osm.Way {
	way := osm.Way{ID: w.ID, Version: w.Version, Deleted: kind == osm.EventDelete}
	if way.Deleted {
		return way
	}
	way.Tags = toTags(w.Tags)
	way.Nodes = make([]int64, len(w.Nds))
	for i, nd := range w.Nds {
		way.Nodes[i] = nd.Ref
	}
	return way
}

func decodeRelation(r xmlRelation, kind osm.EventKind) osm.Relation {
	rel := osm.Relation{ID: r.ID, Version: r.Version, Deleted: kind == osm.EventDelete}
	if rel.Deleted {
		return rel
	}
	rel.Tags = toTags(r.Tags)
	rel.Members = make([]osm.Member, len(r.Members))
	for i, m := range r.Members {
		rel.Members[i] = osm.Member{Type: toMemberType(m.Type), Ref: m.Ref, Role: m.Role}
	}
	return rel
}
