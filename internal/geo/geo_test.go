package geo

import (
	"math"
	"testing"
)

func TestHaversine_SamePointIsZero(t *testing.T) {
	p := Point{LatDeg: 45.5, LonDeg: -122.9}
	if got := Haversine(p, p); got != 0 {
		t.Fatalf("got=%v want=0", got)
	}
}

func TestHaversine_OneDegreeLongitudeAtEquator(t *testing.T) {
	got := Haversine(Point{LatDeg: 0, LonDeg: 0}, Point{LatDeg: 0, LonDeg: 1})
	want := 111320.0
	if math.Abs(got-want)/want > 0.01 {
		t.Fatalf("got=%v want≈%v", got, want)
	}
}

func TestBearing_Cardinals(t *testing.T) {
	cases := []struct {
		name string
		to   Point
		want float64
	}{
		{name: "East", to: Point{LatDeg: 0, LonDeg: 90}, want: 90},
		{name: "North", to: Point{LatDeg: 90, LonDeg: 0}, want: 0},
		{name: "West", to: Point{LatDeg: 0, LonDeg: -10}, want: 270},
		{name: "South", to: Point{LatDeg: -10, LonDeg: 0}, want: 180},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Bearing(Point{}, tc.to)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("got=%v want=%v", got, tc.want)
			}
		})
	}
}

func TestWrap360(t *testing.T) {
	cases := map[float64]float64{
		0:    0,
		360:  0,
		400:  40,
		-10:  350,
		-720: 0,
		359:  359,
	}
	for in, want := range cases {
		if got := Wrap360(in); math.Abs(got-want) > 1e-9 {
			t.Fatalf("Wrap360(%v)=%v want=%v", in, got, want)
		}
	}
}

func TestWrap180(t *testing.T) {
	cases := map[float64]float64{
		0:    0,
		190:  -170,
		-190: 170,
		358:  -2,
		2:    2,
	}
	for in, want := range cases {
		if got := Wrap180(in); math.Abs(got-want) > 1e-9 {
			t.Fatalf("Wrap180(%v)=%v want=%v", in, got, want)
		}
	}
}

func TestOffsetAndTranslate_RoundTrip(t *testing.T) {
	a := Point{LatDeg: 48.1, LonDeg: 11.5}
	b := Translate(a, 120, -45)
	n, e := OffsetMeters(a, b)
	if math.Abs(n-120) > 1e-6 || math.Abs(e+45) > 1e-6 {
		t.Fatalf("north=%v east=%v", n, e)
	}
}

func TestPointValid(t *testing.T) {
	if (Point{}).Valid() {
		t.Fatalf("null island should be invalid")
	}
	if (Point{LatDeg: math.NaN(), LonDeg: 1}).Valid() {
		t.Fatalf("NaN should be invalid")
	}
	if (Point{LatDeg: 91, LonDeg: 1}).Valid() {
		t.Fatalf("lat out of range should be invalid")
	}
	if !(Point{LatDeg: 0, LonDeg: 1}).Valid() {
		t.Fatalf("equator point should be valid")
	}
}
