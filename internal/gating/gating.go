// Package gating decides which wizard stages may be visited given the set of
// completed stages.
package gating

import "sort"

// Reachable returns the reachable stage ids in ascending order. Stage 1 is
// always reachable; stage k > 1 is reachable when k or k-1 is completed.
func Reachable(completed []int, total int) []int {
	if total < 1 {
		return nil
	}
	done := toSet(completed)
	out := []int{1}
	for k := 2; k <= total; k++ {
		if done[k] || done[k-1] {
			out = append(out, k)
		}
	}
	return out
}

// IsReachable reports whether stage id is reachable.
func IsReachable(id int, completed []int, total int) bool {
	if id < 1 || id > total {
		return false
	}
	if id == 1 {
		return true
	}
	done := toSet(completed)
	return done[id] || done[id-1]
}

// InvalidateFrom drops id and every later stage from completed.
func InvalidateFrom(completed []int, id int) []int {
	var out []int
	for _, k := range completed {
		if k < id {
			out = append(out, k)
		}
	}
	sort.Ints(out)
	return out
}

func toSet(ids []int) map[int]bool {
	set := make(map[int]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
