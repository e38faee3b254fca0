package main

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

const (
	plotTopOffset = 5
	plotSpacing   = 5
)

var (
	errUnknownCurve   = errors.New("unknown curve")
	errGroupTooSmall  = errors.New("a group needs at least two curves")
	errAlreadyGrouped = errors.New("curve already belongs to a group")
)

// curveGroup is an ordered set of curves drawn at one plot offset.
type curveGroup struct {
	ID      uuid.UUID   `json:"id"`
	Members []uuid.UUID `json:"members"`
}

// curveGroups addresses curves by handle only; positions are worked out in
// offsets, when a layout is requested.
type curveGroups struct {
	groups []*curveGroup
}

func (g *curveGroups) create(members []uuid.UUID) (uuid.UUID, error) {
	if len(members) < 2 {
		return uuid.Nil, errGroupTooSmall
	}
	seen := make(map[uuid.UUID]bool, len(members))
	for _, h := range members {
		if _, grouped := g.groupOf(h); grouped || seen[h] {
			return uuid.Nil, fmt.Errorf("%w: %s", errAlreadyGrouped, h)
		}
		seen[h] = true
	}

	grp := &curveGroup{ID: uuid.New(), Members: slices.Clone(members)}
	g.groups = append(g.groups, grp)
	return grp.ID, nil
}

func (g *curveGroups) groupOf(h uuid.UUID) (*curveGroup, bool) {
	for _, grp := range g.groups {
		if slices.Contains(grp.Members, h) {
			return grp, true
		}
	}
	return nil, false
}

func (g *curveGroups) byID(id uuid.UUID) (*curveGroup, bool) {
	for _, grp := range g.groups {
		if grp.ID == id {
			return grp, true
		}
	}
	return nil, false
}

// remove takes h out of its group and reports whether that left the group
// empty, in which case the group is released.
func (g *curveGroups) remove(h uuid.UUID) (deleted bool) {
	for i, grp := range g.groups {
		idx := slices.Index(grp.Members, h)
		if idx < 0 {
			continue
		}
		grp.Members = slices.Delete(grp.Members, idx, idx+1)
		if len(grp.Members) == 0 {
			g.groups = slices.Delete(g.groups, i, i+1)
			return true
		}
		return false
	}
	return false
}

// move reorders a group's members. Decoding is unaffected.
func (g *curveGroups) move(id uuid.UUID, from, to int) error {
	grp, ok := g.byID(id)
	if !ok {
		return fmt.Errorf("%w: group %s", errUnknownCurve, id)
	}
	n := len(grp.Members)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("%w: move %d -> %d in group of %d", errInvalidArgument, from, to, n)
	}
	h := grp.Members[from]
	grp.Members = slices.Delete(grp.Members, from, from+1)
	grp.Members = slices.Insert(grp.Members, to, h)
	return nil
}

func (g *curveGroups) list() []curveGroup {
	out := make([]curveGroup, len(g.groups))
	for i, grp := range g.groups {
		out[i] = curveGroup{ID: grp.ID, Members: slices.Clone(grp.Members)}
	}
	return out
}

// offsets lays curves out top to bottom in the given order. Every member of
// a group shares the offset of the first one placed; each slot takes the
// tallest member's height plus spacing.
func (g *curveGroups) offsets(order []uuid.UUID, heightOf func(uuid.UUID) int) map[uuid.UUID]int {
	out := make(map[uuid.UUID]int, len(order))
	pos := plotTopOffset
	for _, h := range order {
		if _, placed := out[h]; placed {
			continue
		}
		grp, grouped := g.groupOf(h)
		if !grouped {
			out[h] = pos
			pos += heightOf(h) + plotSpacing
			continue
		}
		tallest := 0
		for _, m := range grp.Members {
			out[m] = pos
			tallest = max(tallest, heightOf(m))
		}
		pos += tallest + plotSpacing
	}
	return out
}
