// Package cluster groups nearby entities by their ground-plane separation.
package cluster

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"meshar/internal/geo"
)

// Item is one projected entity offered for grouping. EastM/NorthM are the
// local ground-plane offsets from the user.
type Item struct {
	ID        uint32
	Point     geo.Point
	DistanceM float64
	EastM     float64
	NorthM    float64
}

type Group struct {
	IDs      []uint32
	Centroid geo.Point
}

// Greedy makes one pass over items in ascending distance. Each unclustered
// item seeds a group and pulls in every other unclustered item whose
// ground-plane separation from the seed is below radiusM. Only groups of
// two or more are returned; their centroid is the mean lat/lon/alt.
func Greedy(items []Item, radiusM float64) []Group {
	if radiusM <= 0 || len(items) < 2 {
		return nil
	}
	sorted := append([]Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].DistanceM != sorted[j].DistanceM {
			return sorted[i].DistanceM < sorted[j].DistanceM
		}
		return sorted[i].ID < sorted[j].ID
	})

	r2 := radiusM * radiusM
	used := make([]bool, len(sorted))
	var out []Group
	for i := range sorted {
		if used[i] {
			continue
		}
		used[i] = true
		members := []int{i}
		for j := i + 1; j < len(sorted); j++ {
			if used[j] {
				continue
			}
			de := sorted[j].EastM - sorted[i].EastM
			dn := sorted[j].NorthM - sorted[i].NorthM
			if de*de+dn*dn < r2 {
				used[j] = true
				members = append(members, j)
			}
		}
		if len(members) < 2 {
			continue
		}
		out = append(out, makeGroup(sorted, members))
	}
	return out
}

func makeGroup(items []Item, members []int) Group {
	g := Group{IDs: make([]uint32, 0, len(members))}
	lats := make([]float64, 0, len(members))
	lons := make([]float64, 0, len(members))
	alts := make([]float64, 0, len(members))
	for _, idx := range members {
		it := items[idx]
		g.IDs = append(g.IDs, it.ID)
		lats = append(lats, it.Point.LatDeg)
		lons = append(lons, it.Point.LonDeg)
		alts = append(alts, it.Point.AltM)
	}
	g.Centroid = geo.Point{
		LatDeg: stat.Mean(lats, nil),
		LonDeg: stat.Mean(lons, nil),
		AltM:   stat.Mean(alts, nil),
	}
	return g
}
