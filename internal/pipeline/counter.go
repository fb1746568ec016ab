package pipeline

import (
	"github.com/rasd/surveillance-server/pkg/types"
)

// BucketKey is the approximate identity of an object: the grid cell of its box center,
// optionally tagged with a sub-type. Two objects in the same cell count once; one object that
// crosses a cell boundary counts twice. There is no tracking behind it.
type BucketKey struct {
	Tag  string
	X, Y int
}

// Bucketer maps boxes to grid cells of Size pixels.
type Bucketer struct {
	Size int
}

// Key returns the bucket of box's center.
func (b Bucketer) Key(tag string, box types.Box) BucketKey {
	cx, cy := box.Center()
	return BucketKey{Tag: tag, X: floorDiv(cx, b.Size), Y: floorDiv(cy, b.Size)}
}

func floorDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// RunAccumulator collects cumulative totals and identity sets over one run.
type RunAccumulator struct {
	bucketer Bucketer

	persons map[BucketKey]struct{}
	bags    map[BucketKey]struct{}
	weapons map[BucketKey]struct{}

	TotalPersons int
	TotalBags    int
	TotalWeapons int
	TotalMasks   int
	TotalNoMasks int
}

// NewRunAccumulator creates an empty accumulator with the given bucket size.
func NewRunAccumulator(bucketSize int) *RunAccumulator {
	return &RunAccumulator{
		bucketer: Bucketer{Size: bucketSize},
		persons:  make(map[BucketKey]struct{}),
		bags:     make(map[BucketKey]struct{}),
		weapons:  make(map[BucketKey]struct{}),
	}
}

// AddDetection counts one detection. Weapon keys carry the weapon label so different weapon
// types in the same cell stay distinct.
func (r *RunAccumulator) AddDetection(cat Category, label string, box types.Box) {
	switch cat {
	case CategoryPerson:
		r.TotalPersons++
		r.persons[r.bucketer.Key("", box)] = struct{}{}
	case CategoryBag:
		r.TotalBags++
		r.bags[r.bucketer.Key("", box)] = struct{}{}
	case CategoryWeapon:
		r.TotalWeapons++
		r.weapons[r.bucketer.Key(label, box)] = struct{}{}
	}
}

// AddFace counts one classified face. Faces have no identity set.
func (r *RunAccumulator) AddFace(hasMask bool) {
	if hasMask {
		r.TotalMasks++
	} else {
		r.TotalNoMasks++
	}
}

// Unique returns the identity set sizes.
func (r *RunAccumulator) Unique() (persons, bags, weapons int) {
	return len(r.persons), len(r.bags), len(r.weapons)
}

// Summary builds the final run report.
func (r *RunAccumulator) Summary(frames int, duration, fps float64) types.SummaryStats {
	up, ub, uw := r.Unique()
	return types.SummaryStats{
		Duration: duration,
		Frames:   frames,
		Persons:  types.UniqueTotal{Unique: up, Total: r.TotalPersons},
		Bags:     types.UniqueTotal{Unique: ub, Total: r.TotalBags},
		Weapons:  types.UniqueTotal{Unique: uw, Total: r.TotalWeapons},
		Mask:     r.TotalMasks,
		NoMask:   r.TotalNoMasks,
		FPS:      fps,
	}
}
