package geo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ridellite/internal/dispatcherr"
	"github.com/example/ridellite/internal/domain"
)

func TestDistanceKmZero(t *testing.T) {
	d, err := DistanceKm(domain.GeoPoint{Lat: 12, Lng: 34}, domain.GeoPoint{Lat: 12, Lng: 34}, 0)
	require.NoError(t, err)
	require.InDelta(t, 0, d, 1e-9)
}

func TestDistanceKmKnownPair(t *testing.T) {
	// Paris to London, roughly 344km.
	paris := domain.GeoPoint{Lat: 48.8566, Lng: 2.3522}
	london := domain.GeoPoint{Lat: 51.5074, Lng: -0.1278}

	d, err := DistanceKm(paris, london, 0)
	require.NoError(t, err)
	require.InDelta(t, 344, d, 5)
}

func TestDistanceKmRejectsOutOfRangeLatLng(t *testing.T) {
	_, err := DistanceKm(domain.GeoPoint{Lat: 91, Lng: 0}, domain.GeoPoint{Lat: 0, Lng: 0}, 0)
	require.Error(t, err)
	require.Equal(t, dispatcherr.InvalidArgument, dispatcherr.As(err))

	_, err = DistanceKm(domain.GeoPoint{Lat: 0, Lng: 181}, domain.GeoPoint{Lat: 0, Lng: 0}, 0)
	require.Error(t, err)
	require.Equal(t, dispatcherr.InvalidArgument, dispatcherr.As(err))
}

func TestWithin(t *testing.T) {
	center := domain.GeoPoint{Lat: 37.7749, Lng: -122.4194}
	near := domain.GeoPoint{Lat: 37.78, Lng: -122.41}

	ok, err := Within(center, near, 5, 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Within(center, near, 0.01, 0)
	require.NoError(t, err)
	require.False(t, ok)
}
