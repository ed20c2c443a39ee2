package geo

import (
	"math"

	"github.com/example/ride-pairing/internal/models"
)

const earthRadiusMeters = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Distance is Haversine over coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Sample thins a polyline to at most limit points, evenly spaced by index.
// The first and last points are always kept. A non-positive limit returns
// the route unchanged.
func Sample(route []models.Coord, limit int) []models.Coord {
	if limit <= 0 || len(route) <= limit {
		return route
	}
	if limit == 1 {
		return route[:1]
	}
	out := make([]models.Coord, 0, limit)
	step := float64(len(route)-1) / float64(limit-1)
	for i := 0; i < limit; i++ {
		idx := int(math.Round(float64(i) * step))
		out = append(out, route[idx])
	}
	return out
}

// Nearest returns the index of the sample closest to p and its distance in
// meters. Ties resolve to the earliest index. Returns -1 for an empty slice.
func Nearest(samples []models.Coord, p models.Coord) (int, float64) {
	best, bestDist := -1, math.Inf(1)
	for i, s := range samples {
		if d := Distance(s, p); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}
