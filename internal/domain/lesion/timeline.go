package lesion

import (
	"sort"
	"strings"
)

// SortOrder orders a patient timeline by creation time.
type SortOrder string

const (
	SortNewestFirst SortOrder = "desc"
	SortOldestFirst SortOrder = "asc"
)

// ParseSortOrder accepts "asc" or "desc" and falls back to newest first.
func ParseSortOrder(s string) SortOrder {
	if strings.EqualFold(s, string(SortOldestFirst)) {
		return SortOldestFirst
	}
	return SortNewestFirst
}

// AllBodyAreas disables the body-area filter.
const AllBodyAreas = "all"

// Timeline filters analyses to a body area (empty or "all" keeps every
// analysis) and sorts them by CreatedAt. The input is not modified.
func Timeline(analyses []*Analysis, bodyArea string, order SortOrder) []*Analysis {
	out := make([]*Analysis, 0, len(analyses))
	for _, a := range analyses {
		if bodyArea == "" || bodyArea == AllBodyAreas || (a.BodyArea != nil && *a.BodyArea == bodyArea) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if order == SortOldestFirst {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// BodyAreas lists the distinct body areas in first-seen order.
func BodyAreas(analyses []*Analysis) []string {
	seen := make(map[string]bool)
	var areas []string
	for _, a := range analyses {
		if a.BodyArea == nil || *a.BodyArea == "" || seen[*a.BodyArea] {
			continue
		}
		seen[*a.BodyArea] = true
		areas = append(areas, *a.BodyArea)
	}
	return areas
}
