package vision

import (
	"fmt"

	"github.com/rasd/surveillance-server/internal/config"
)

// LabelMap maps classifier output indices to their meaning.
// The index of a label is its position in the configured list.
type LabelMap struct {
	labels []config.MaskLabel
}

// NewLabelMap validates and wraps the configured labels.
func NewLabelMap(labels []config.MaskLabel) (LabelMap, error) {
	var seen = map[config.MaskMeaning]bool{}
	for _, l := range labels {
		if l.Meaning != config.MeaningMask && l.Meaning != config.MeaningNoMask {
			return LabelMap{}, fmt.Errorf("unknown mask meaning %q", l.Meaning)
		}
		if seen[l.Meaning] {
			return LabelMap{}, fmt.Errorf("duplicate mask meaning %q", l.Meaning)
		}
		seen[l.Meaning] = true
	}
	if len(seen) != 2 {
		return LabelMap{}, fmt.Errorf("mask labels must cover mask and no_mask, got %d labels", len(labels))
	}
	return LabelMap{labels: append([]config.MaskLabel(nil), labels...)}, nil
}

// Lookup returns the label at a classifier index.
func (m LabelMap) Lookup(idx int) (config.MaskLabel, error) {
	if idx < 0 || idx >= len(m.labels) {
		return config.MaskLabel{}, fmt.Errorf("classifier index %d outside label map of %d", idx, len(m.labels))
	}
	return m.labels[idx], nil
}

// Texts returns the label prompts in index order.
func (m LabelMap) Texts() []string {
	out := make([]string, len(m.labels))
	for i, l := range m.labels {
		out[i] = l.Text
	}
	return out
}

// FaceVerdict is the mapped result of one face classification.
type FaceVerdict struct {
	Meaning    config.MaskMeaning
	Label      string
	Confidence float64
}

// HasMask reports whether the face was classified as masked.
func (v FaceVerdict) HasMask() bool {
	return v.Meaning == config.MeaningMask
}
