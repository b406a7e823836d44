package geodata

import (
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the IUGG mean radius.
const EarthRadiusMeters = 6371008.8

func toLatLng(p Point) s2.LatLng {
	return s2.LatLngFromDegrees(p.Lat, p.Lng)
}

// DistanceMeters is the great-circle distance between a and b.
func DistanceMeters(a, b Point) float64 {
	return float64(toLatLng(a).Distance(toLatLng(b))) * EarthRadiusMeters
}

// ClosestOnPath returns the point of the polyline through path nearest to p.
func ClosestOnPath(p Point, path []Point) (Point, float64) {
	if len(path) == 0 {
		return p, 0
	}
	line := make(s2.Polyline, 0, len(path))
	for _, v := range path {
		line = append(line, s2.PointFromLatLng(toLatLng(v)))
	}
	projected, _ := line.Project(s2.PointFromLatLng(toLatLng(p)))
	ll := s2.LatLngFromPoint(projected)
	closest := Point{Lat: ll.Lat.Degrees(), Lng: ll.Lng.Degrees()}
	return closest, DistanceMeters(p, closest)
}

// Centroid is the vertex average, adequate for building footprints.
func Centroid(path []Point) Point {
	if len(path) == 0 {
		return Point{}
	}
	var lat, lng float64
	for _, v := range path {
		lat += v.Lat
		lng += v.Lng
	}
	n := float64(len(path))
	return Point{Lat: lat / n, Lng: lng / n}
}
