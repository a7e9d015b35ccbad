// Package formation owns the 15-slot triangle state machine: the fixed
// position path scheme, slot reservation and occupancy, fill counting,
// and the FILLING → COMPLETE → CYCLED transitions.
//
// Functions here mutate a single *model.Formation in memory; callers are
// responsible for serializing access and persisting the result (see the
// engine service and store packages).
package formation

import (
	"errors"
	"fmt"
	"time"

	"github.com/trigon/triangle-engine/internal/model"
)

// Size is the number of positions in a formation: 1 + 2 + 4 + 8.
const Size = 15

// PositionKeys lists all 15 position keys in BFS order: lowest level
// first, leftmost first within a level. This order is the tie-break rule
// for every slot search in the engine.
var PositionKeys = []string{
	"A",
	"B", "C",
	"B1", "B2", "C1", "C2",
	"B11", "B12", "B21", "B22", "C11", "C12", "C21", "C22",
}

var keyIndex = func() map[string]int {
	m := make(map[string]int, Size)
	for i, k := range PositionKeys {
		m[k] = i
	}
	return m
}()

var (
	// ErrUnknownPosition is returned for a key outside the path scheme.
	ErrUnknownPosition = errors.New("formation: unknown position key")

	// ErrPositionTaken is returned when reserving an already-claimed slot.
	ErrPositionTaken = errors.New("formation: position already occupied")

	// ErrNoReservation is returned when confirming or releasing a slot
	// that holds no reservation for the given user.
	ErrNoReservation = errors.New("formation: no matching reservation")

	// ErrNotFilling is returned for mutations on a COMPLETE or CYCLED
	// formation.
	ErrNotFilling = errors.New("formation: formation is no longer filling")

	// ErrNotComplete is returned when cycling a formation that has not
	// completed.
	ErrNotComplete = errors.New("formation: formation is not complete")

	// ErrAlreadyCycled is returned when cycling a formation twice.
	ErrAlreadyCycled = errors.New("formation: formation already cycled")

	// ErrFillMismatch signals a fill-count / occupancy disagreement.
	// This is a consistency violation: the aggregate must be quarantined.
	ErrFillMismatch = errors.New("formation: fill count does not match paid occupants")
)

// Level returns the depth of a position key: A is 0; otherwise the key
// length encodes the depth (B → 1, B1 → 2, B11 → 3).
func Level(key string) (int, error) {
	if _, ok := keyIndex[key]; !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPosition, key)
	}
	if key == "A" {
		return 0, nil
	}
	return len(key), nil
}

// Parent returns the parent key of a position ("" for the apex).
// B and C hang off A; every other key drops its last character.
func Parent(key string) (string, error) {
	if _, ok := keyIndex[key]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPosition, key)
	}
	switch key {
	case "A":
		return "", nil
	case "B", "C":
		return "A", nil
	default:
		return key[:len(key)-1], nil
	}
}

// InSubtree reports whether key lies in the subtree rooted at root
// (inclusive). The apex's subtree is the whole formation.
func InSubtree(key, root string) bool {
	if root == "A" {
		return true
	}
	return key == root || (len(key) > len(root) && key[:len(root)] == root)
}

// New creates an empty FILLING formation for the given plan type.
func New(id, planType, parentID string, now time.Time) *model.Formation {
	positions := make([]model.Position, Size)
	for i, k := range PositionKeys {
		positions[i] = model.Position{Key: k}
	}
	return &model.Formation{
		ID:        id,
		PlanType:  planType,
		Positions: positions,
		State:     model.StateFilling,
		ParentID:  parentID,
		Version:   1,
		CreatedAt: now,
	}
}

// PositionAt returns a pointer to the position with the given key.
func PositionAt(f *model.Formation, key string) (*model.Position, error) {
	i, ok := keyIndex[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPosition, key)
	}
	return &f.Positions[i], nil
}

// OpenSlot returns the first vacant position key in BFS order, or ""
// if every slot is claimed. A reserved-but-unpaid slot is not vacant.
func OpenSlot(f *model.Formation) string {
	for i := range f.Positions {
		if f.Positions[i].OccupantID == "" {
			return f.Positions[i].Key
		}
	}
	return ""
}

// OpenSlotUnder returns the first vacant key in BFS order within the
// subtree rooted at root, falling back to the whole formation when the
// subtree is full. Returns "" when the formation has no vacancy at all.
func OpenSlotUnder(f *model.Formation, root string) string {
	for i := range f.Positions {
		p := &f.Positions[i]
		if p.OccupantID == "" && InSubtree(p.Key, root) {
			return p.Key
		}
	}
	return OpenSlot(f)
}

// Reserve provisionally claims a vacant slot for a registrant. The slot
// does not count toward FilledCount until the deposit is confirmed.
func Reserve(f *model.Formation, key, userID string, now time.Time) error {
	if f.State != model.StateFilling {
		return ErrNotFilling
	}
	p, err := PositionAt(f, key)
	if err != nil {
		return err
	}
	if p.OccupantID != "" {
		return fmt.Errorf("%w: %s", ErrPositionTaken, key)
	}
	p.OccupantID = userID
	p.ReservedAt = now
	return nil
}

// Release frees a reservation after a rejected deposit. A paid occupant
// is never released — only the split retires paid positions.
func Release(f *model.Formation, key, userID string) error {
	p, err := PositionAt(f, key)
	if err != nil {
		return err
	}
	if p.OccupantID != userID || p.Paid {
		return fmt.Errorf("%w: %s", ErrNoReservation, key)
	}
	p.OccupantID = ""
	p.ReservedAt = time.Time{}
	return nil
}

// ConfirmFill marks a reserved slot paid and increments FilledCount.
// When the 15th slot fills, the formation transitions FILLING → COMPLETE
// exactly once; the returned flag reports whether this call fired it.
// Caller must hold the same lock that performed the confirmation, so two
// racing confirmations cannot both observe themselves as the 15th.
func ConfirmFill(f *model.Formation, key, userID string, now time.Time) (completed bool, err error) {
	if f.State != model.StateFilling {
		return false, ErrNotFilling
	}
	p, err := PositionAt(f, key)
	if err != nil {
		return false, err
	}
	if p.OccupantID != userID {
		return false, fmt.Errorf("%w: %s", ErrNoReservation, key)
	}
	if p.Paid {
		// Idempotent: reprocessing a confirmed deposit must not
		// double-count.
		return false, nil
	}
	p.Paid = true
	f.FilledCount++

	if f.FilledCount > Size {
		return false, ErrFillMismatch
	}
	if f.FilledCount == Size {
		f.State = model.StateComplete
		t := now
		f.CompletedAt = &t
		return true, nil
	}
	return false, nil
}

// Cycle transitions COMPLETE → CYCLED. Fires at most once; the second
// attempt reports ErrAlreadyCycled so the caller can treat it as a no-op.
func Cycle(f *model.Formation) error {
	switch f.State {
	case model.StateCycled:
		return ErrAlreadyCycled
	case model.StateComplete:
		f.State = model.StateCycled
		return nil
	default:
		return ErrNotComplete
	}
}

// Verify checks the structural invariants: 15 positions in scheme order
// and FilledCount equal to the number of paid occupants. A failure is a
// consistency violation.
func Verify(f *model.Formation) error {
	if len(f.Positions) != Size {
		return fmt.Errorf("%w: %d positions", ErrFillMismatch, len(f.Positions))
	}
	paid := 0
	for i := range f.Positions {
		if f.Positions[i].Key != PositionKeys[i] {
			return fmt.Errorf("%w: position %d has key %q", ErrFillMismatch, i, f.Positions[i].Key)
		}
		if f.Positions[i].Paid {
			if f.Positions[i].OccupantID == "" {
				return fmt.Errorf("%w: paid position %s has no occupant", ErrFillMismatch, f.Positions[i].Key)
			}
			paid++
		}
	}
	if paid != f.FilledCount {
		return fmt.Errorf("%w: %d paid, FilledCount %d", ErrFillMismatch, paid, f.FilledCount)
	}
	if f.IsComplete() != (f.FilledCount == Size) {
		return fmt.Errorf("%w: state %s with FilledCount %d", ErrFillMismatch, f.State, f.FilledCount)
	}
	return nil
}
