package geo

import (
	"math"
	"testing"
)

func TestHaversineKnownDistance(t *testing.T) {
	// one thousandth of a degree of latitude is ~111.2 m
	d := HaversineM(42.700, 2.900, 42.701, 2.900)
	if math.Abs(d-111.19) > 0.5 {
		t.Fatalf("want ~111.19m, got %.2f", d)
	}
	if HaversineM(1, 2, 1, 2) != 0 {
		t.Fatalf("same point should be 0")
	}
}

func TestOffsetNorthRoundTrip(t *testing.T) {
	lat, lng := OffsetNorth(42.70, 2.90, 600)
	if d := HaversineM(42.70, 2.90, lat, lng); math.Abs(d-600) > 0.01 {
		t.Fatalf("want 600m, got %.4f", d)
	}
}

func TestValidLatLng(t *testing.T) {
	cases := []struct {
		lat, lng float64
		ok       bool
	}{
		{42.7, 2.9, true},
		{-90, 180, true},
		{91, 0, false},
		{0, -181, false},
		{math.NaN(), 0, false},
		{0, math.Inf(1), false},
	}
	for _, c := range cases {
		if got := ValidLatLng(c.lat, c.lng); got != c.ok {
			t.Fatalf("ValidLatLng(%v,%v)=%v want %v", c.lat, c.lng, got, c.ok)
		}
	}
}
