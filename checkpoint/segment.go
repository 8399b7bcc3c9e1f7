package checkpoint

import (
	"fmt"

	"github.com/AlgoSkyNet/gpi-cp/pgas"
)

// UnusedSegmentID returns the smallest segment id not currently allocated
// on this rank. Gaps in the allocated set are filled before new ids are
// handed out.
func UnusedSegmentID(ep pgas.Endpoint) (pgas.SegmentID, error) {
	num, err := ep.SegmentNum()
	if err != nil {
		return 0, fmt.Errorf("failed to count segments: %w", err)
	}
	if num == 0 {
		return 0, nil
	}

	ids, err := ep.SegmentList()
	if err != nil {
		return 0, fmt.Errorf("failed to list segments: %w", err)
	}

	maxSegments, err := ep.SegmentMax()
	if err != nil {
		return 0, fmt.Errorf("failed to query segment limit: %w", err)
	}
	if len(ids) >= maxSegments {
		return 0, fmt.Errorf("all %d segment ids are allocated", maxSegments)
	}

	// The list is ascending; the first position whose id differs from its
	// index marks the lowest gap.
	for i, id := range ids {
		if id != pgas.SegmentID(i) {
			return pgas.SegmentID(i), nil
		}
	}

	return pgas.SegmentID(len(ids)), nil
}
