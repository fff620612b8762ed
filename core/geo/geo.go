// Package geo provides the small amount of spherical geometry the fleet
// needs: great-circle distances between waypoints and straight-line
// position interpolation along a flight segment.
package geo

import "math"

const earthRadiusKm = 6371.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies in the global coordinate range.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// HaversineKm returns the great-circle distance between a and b in
// kilometers.
func HaversineKm(a, b Point) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// Lerp interpolates linearly between start and end. u is clamped to [0,1],
// so u=0 yields start and u=1 yields end.
func Lerp(start, end Point, u float64) Point {
	u = Clamp(u, 0, 1)
	return Point{
		Lat: (1-u)*start.Lat + u*end.Lat,
		Lng: (1-u)*start.Lng + u*end.Lng,
	}
}

// Clamp bounds v into [min, max].
func Clamp(v, min, max float64) float64 {
	return math.Max(min, math.Min(max, v))
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }
