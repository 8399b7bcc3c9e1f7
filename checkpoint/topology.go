package checkpoint

import (
	"fmt"

	"github.com/AlgoSkyNet/gpi-cp/pgas"
)

// isInGroup reports whether the rank is a member of the group.
func isInGroup(ep pgas.Endpoint, group pgas.GroupID, rank pgas.Rank) bool {
	ranks, err := ep.GroupRanks(group)
	if err != nil {
		return false
	}
	for _, r := range ranks {
		if r == rank {
			return true
		}
	}
	return false
}

// resolveSender returns the upstream ring neighbor of the rank: the member
// the rank stores snapshots for. The walk runs counter-clockwise over the
// global rank order, skipping ranks outside the group.
func resolveSender(ep pgas.Endpoint, policy Policy, group pgas.GroupID, rank pgas.Rank) (pgas.Rank, error) {
	switch policy {
	case PolicyRing:
		return walkRing(ep, group, rank, -1)
	default:
		return rank, fmt.Errorf("unknown checkpointing policy %d: %w", policy, ErrUndefinedRank)
	}
}

// resolveReceiver returns the downstream ring neighbor of the rank: the
// member that stores this rank's snapshots.
func resolveReceiver(ep pgas.Endpoint, policy Policy, group pgas.GroupID, rank pgas.Rank) (pgas.Rank, error) {
	switch policy {
	case PolicyRing:
		return walkRing(ep, group, rank, 1)
	default:
		return rank, fmt.Errorf("unknown checkpointing policy %d: %w", policy, ErrUndefinedRank)
	}
}

// walkRing steps through the global rank order in the given direction
// until it finds a group member. The walk is bounded by the process count
// so an empty or foreign group cannot spin it forever.
func walkRing(ep pgas.Endpoint, group pgas.GroupID, rank pgas.Rank, dir int) (pgas.Rank, error) {
	nProc := ep.Ranks()
	if nProc == 0 {
		return rank, fmt.Errorf("process count unavailable: %w", ErrUndefinedRank)
	}
	if !isInGroup(ep, group, rank) {
		return rank, fmt.Errorf("rank %d is not a member of group %d: %w", rank, group, ErrUndefinedRank)
	}

	step := pgas.Rank(1)
	if dir < 0 {
		step = nProc - 1
	}

	next := (rank + step) % nProc
	for i := pgas.Rank(0); i < nProc; i++ {
		if isInGroup(ep, group, next) {
			return next, nil
		}
		next = (next + step) % nProc
	}

	return rank, fmt.Errorf("no group member reachable from rank %d: %w", rank, ErrUndefinedRank)
}
