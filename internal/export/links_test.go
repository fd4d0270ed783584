package export

import (
	"testing"

	"github.com/paulmach/orb"
)

func TestOSMLink(t *testing.T) {
	if got := OSMLink("way/123"); got != "https://www.openstreetmap.org/way/123" {
		t.Fatalf("unexpected link: %s", got)
	}
	if got := OSMLink("node/456"); got != "https://www.openstreetmap.org/node/456" {
		t.Fatalf("unexpected link: %s", got)
	}
	if got := OSMLink("street/123"); got != "" {
		t.Fatalf("malformed osm_id should yield no link, got %s", got)
	}
	if got := OSMLink(""); got != "" {
		t.Fatalf("empty osm_id should yield no link, got %s", got)
	}
}

func TestFirstPoint(t *testing.T) {
	point, ok := FirstPoint(orb.LineString{{13.1, 52.2}, {13.2, 52.3}})
	if !ok || point.Lon() != 13.1 || point.Lat() != 52.2 {
		t.Fatalf("unexpected first point: %v ok=%v", point, ok)
	}

	point, ok = FirstPoint(orb.MultiLineString{{{13.4, 52.5}, {13.5, 52.6}}})
	if !ok || point.Lon() != 13.4 || point.Lat() != 52.5 {
		t.Fatalf("unexpected first point: %v ok=%v", point, ok)
	}

	if _, ok = FirstPoint(orb.Point{13.0, 52.0}); ok {
		t.Fatal("points are not line geometries")
	}
	if _, ok = FirstPoint(orb.LineString{}); ok {
		t.Fatal("empty LineString has no first point")
	}
}

func TestTildaLink(t *testing.T) {
	geometry := orb.LineString{{13.40495, 52.52001}, {13.41, 52.53}}
	got := TildaLink(geometry, "berlin")
	want := "https://tilda-geo.de/regionen/berlin?map=18.8/52.52001/13.40495&config=l6jzgk.5ount5.4&v=2&bg=areal2025-summer"
	if got != want {
		t.Fatalf("unexpected link:\n got %s\nwant %s", got, want)
	}

	if got := TildaLink(geometry, ""); got != "" {
		t.Fatalf("no region slug should yield no link, got %s", got)
	}
}

func TestMapillaryLink(t *testing.T) {
	geometry := orb.LineString{{13.40495, 52.52001}, {13.41, 52.53}}
	got := MapillaryLink("img-1", geometry)
	want := "https://www.mapillary.com/app/?lat=52.52001&lng=13.40495&z=18.8&panos=true&focus=photo&pKey=img-1"
	if got != want {
		t.Fatalf("unexpected link:\n got %s\nwant %s", got, want)
	}

	got = MapillaryAreaLink(geometry)
	want = "https://www.mapillary.com/app/?lat=52.52001&lng=13.40495&z=18.8&panos=true&focus=photo"
	if got != want {
		t.Fatalf("unexpected area link:\n got %s\nwant %s", got, want)
	}
}
