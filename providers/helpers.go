package providers

import (
	"sort"

	pdp "github.com/authzforce-ce/core"
)

func joinRefChains(head, tail []string, maxDepth int) ([]string, error) {
	return pdp.JoinRefChains(head, tail, maxDepth)
}

func sortVersionsDesc(versions []pdp.PolicyVersion) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].Compare(versions[j]) > 0
	})
}
