package formation

import (
	"errors"
	"fmt"
	"time"

	"github.com/trigon/triangle-engine/internal/model"
)

var (
	// ErrBadSplitRoot is returned when a configured split root is not a
	// direct child of the apex.
	ErrBadSplitRoot = errors.New("formation: split root must be a level-1 position")

	// ErrSplitIncomplete signals a completed formation with a vacancy,
	// which should be impossible and is treated as a consistency
	// violation by the caller.
	ErrSplitIncomplete = errors.New("formation: cannot split with unpaid positions")
)

// Move records one member's relocation into a successor formation.
type Move struct {
	UserID      string `json:"user_id"`
	FromKey     string `json:"from_key"`
	FormationID string `json:"formation_id"`
	ToKey       string `json:"to_key"`
}

// SplitPlan is the computed outcome of dissolving a cycled formation:
// two successor formations seeded with the surviving members, and the
// retired top three occupants. Applying it atomically is the store's job.
type SplitPlan struct {
	Children [2]*model.Formation
	Moves    []Move
	Retired  []string // user IDs of the apex and its two children
}

// Split computes the successor formations for a formation that has just
// cycled. For each configured split root (a level-1 position), the six
// surviving members of its subtree are compacted in BFS order — level
// ascending, leftmost first — into the first six BFS positions of a new
// formation of the same plan type. The former level-2 occupants therefore
// become the two new apexes. The apex and its two direct children retire
// with the old formation.
//
// The sides' member sets are disjoint, so the union of the two successors
// plus the three retired members is exactly the original fifteen.
func Split(f *model.Formation, roots [2]string, childIDs [2]string, now time.Time) (*SplitPlan, error) {
	if f.State != model.StateCycled {
		return nil, ErrNotComplete
	}
	for _, r := range roots {
		if lvl, err := Level(r); err != nil || lvl != 1 {
			return nil, fmt.Errorf("%w: %q", ErrBadSplitRoot, r)
		}
	}
	if roots[0] == roots[1] {
		return nil, fmt.Errorf("%w: duplicate root %q", ErrBadSplitRoot, roots[0])
	}

	occupant := make(map[string]string, Size)
	for i := range f.Positions {
		p := &f.Positions[i]
		if p.OccupantID == "" || !p.Paid {
			return nil, fmt.Errorf("%w: %s", ErrSplitIncomplete, p.Key)
		}
		occupant[p.Key] = p.OccupantID
	}

	plan := &SplitPlan{}
	for _, r := range roots {
		plan.Retired = append(plan.Retired, occupant[r])
	}
	plan.Retired = append([]string{occupant["A"]}, plan.Retired...)

	for side, root := range roots {
		child := New(childIDs[side], f.PlanType, f.ID, now)

		// Members of this side, excluding the retiring root itself.
		// PositionKeys is already BFS-ordered, so this preserves level
		// ascending, leftmost first.
		var keys []string
		for _, k := range PositionKeys {
			if k != root && InSubtree(k, root) {
				keys = append(keys, k)
			}
		}

		for i, k := range keys {
			newKey := PositionKeys[i]
			pos, err := PositionAt(child, newKey)
			if err != nil {
				return nil, err
			}
			pos.OccupantID = occupant[k]
			pos.Paid = true
			pos.ReservedAt = now
			child.FilledCount++
			plan.Moves = append(plan.Moves, Move{
				UserID:      occupant[k],
				FromKey:     k,
				FormationID: child.ID,
				ToKey:       newKey,
			})
		}
		plan.Children[side] = child
	}

	return plan, nil
}
