// Package geo implements the great-circle distance calculation used by the
// matcher's radius filter.
package geo

import (
	"math"

	"github.com/example/ridellite/internal/dispatcherr"
	"github.com/example/ridellite/internal/domain"
)

// EarthRadiusKm is the default mean radius used by DistanceKm when none is
// supplied by configuration.
const EarthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between a and b in
// kilometres, using radiusKm as the sphere radius (EarthRadiusKm if zero).
func DistanceKm(a, b domain.GeoPoint, radiusKm float64) (float64, error) {
	if radiusKm <= 0 {
		radiusKm = EarthRadiusKm
	}
	if err := validate(a); err != nil {
		return 0, err
	}
	if err := validate(b); err != nil {
		return 0, err
	}

	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return radiusKm * c, nil
}

// Within reports whether b lies within maxKm of a, measured on a sphere of
// earthRadiusKm (EarthRadiusKm if zero).
func Within(a, b domain.GeoPoint, maxKm, earthRadiusKm float64) (bool, error) {
	d, err := DistanceKm(a, b, earthRadiusKm)
	if err != nil {
		return false, err
	}
	return d <= maxKm, nil
}

func validate(p domain.GeoPoint) error {
	if p.Lat < -90 || p.Lat > 90 {
		return dispatcherr.Invalid("latitude out of range")
	}
	if p.Lng < -180 || p.Lng > 180 {
		return dispatcherr.Invalid("longitude out of range")
	}
	return nil
}
