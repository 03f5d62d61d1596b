// Package balance picks the least-loaded user for smart assignment.
package balance

import (
	"errors"
	"sort"

	"taskboard/internal/domain"
)

var ErrNoEligibleUser = errors.New("no eligible user")

// Pick returns the user with the fewest active tasks. Every user starts at
// zero; loads for ids outside users are ignored. Ties go to the smallest id.
func Pick(users []string, loads map[string]int) (string, error) {
	if len(users) == 0 {
		return "", ErrNoEligibleUser
	}
	ids := append([]string(nil), users...)
	sort.Strings(ids)
	best, bestLoad := ids[0], loads[ids[0]]
	for _, id := range ids[1:] {
		if l := loads[id]; l < bestLoad {
			best, bestLoad = id, l
		}
	}
	return best, nil
}

// Loads counts tasks not yet Done per assignee.
func Loads(tasks []domain.Task) map[string]int {
	res := map[string]int{}
	for _, t := range tasks {
		if t.Status == domain.StatusDone || t.AssignedUserID == nil || *t.AssignedUserID == "" {
			continue
		}
		res[*t.AssignedUserID]++
	}
	return res
}
