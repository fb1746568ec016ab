// Package pipeline composes detection, counting, alert throttling and annotation for one frame
// at a time. A Processor holds the state of a single run and is owned by one worker.
package pipeline

import (
	"github.com/rasd/surveillance-server/internal/config"
)

// Category is the coarse class of a detection.
type Category int

const (
	CategoryOther Category = iota
	CategoryPerson
	CategoryBag
	CategoryWeapon
)

func (c Category) String() string {
	switch c {
	case CategoryPerson:
		return "person"
	case CategoryBag:
		return "bag"
	case CategoryWeapon:
		return "weapon"
	default:
		return "other"
	}
}

// COCO names for the default bag classes.
var bagNames = map[int]string{
	24: "Backpack",
	26: "Handbag",
	28: "Suitcase",
}

// ClassTable maps detector class ids to categories and display labels.
type ClassTable struct {
	person  int
	bags    map[int]string
	weapons map[int]string
}

// NewClassTable builds the table from pipeline config.
func NewClassTable(cfg config.PipelineConfig) ClassTable {
	t := ClassTable{
		person:  cfg.PersonClass,
		bags:    make(map[int]string, len(cfg.BagClasses)),
		weapons: make(map[int]string, len(cfg.WeaponClasses)),
	}
	for _, id := range cfg.BagClasses {
		name, ok := bagNames[id]
		if !ok {
			name = "Bag"
		}
		t.bags[id] = name
	}
	for id, name := range cfg.WeaponClasses {
		t.weapons[id] = name
	}
	return t
}

// Classify returns the category of a class id and its display label.
func (t ClassTable) Classify(classID int) (Category, string) {
	if name, ok := t.bags[classID]; ok {
		return CategoryBag, name
	}
	if classID == t.person {
		return CategoryPerson, "Person"
	}
	if name, ok := t.weapons[classID]; ok {
		return CategoryWeapon, name
	}
	return CategoryOther, ""
}
