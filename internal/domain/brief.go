package domain

import "fmt"

// ProductionType is the scale of narrative a brief requests.
type ProductionType string

const (
	ProductionShortStory ProductionType = "short_story"
	ProductionNovella    ProductionType = "novella"
	ProductionNovel      ProductionType = "novel"
	ProductionEpicSaga   ProductionType = "epic_saga"
)

func (p ProductionType) Valid() bool {
	switch p {
	case ProductionShortStory, ProductionNovella, ProductionNovel, ProductionEpicSaga:
		return true
	}
	return false
}

// WorldScale is the inferred geographic/cosmic reach of a world, produced by
// the Brief Interpreter stage.
type WorldScale string

const (
	WorldScaleIntimate WorldScale = "intimate"
	WorldScaleRegional WorldScale = "regional"
	WorldScaleGlobal   WorldScale = "global"
	WorldScaleCosmic   WorldScale = "cosmic"
)

// Brief is the immutable job request. It is fully serialisable and never
// mutated after submission; every stage reads it through the job record.
type Brief struct {
	ProductionType   ProductionType `json:"production_type" yaml:"production_type"`
	Genre            string         `json:"genre" yaml:"genre"`
	Inspiration      string         `json:"inspiration" yaml:"inspiration"`
	TargetWordCount  int            `json:"target_word_count,omitempty" yaml:"target_word_count,omitempty"`
	StyleHints       []string       `json:"style_hints,omitempty" yaml:"style_hints,omitempty"`
	ContentLanguage  string         `json:"content_language,omitempty" yaml:"content_language,omitempty"`
}

// Validate enforces the minimal shape every stage is entitled to assume.
func (b Brief) Validate() error {
	if !b.ProductionType.Valid() {
		return fmt.Errorf("domain: invalid production_type %q", b.ProductionType)
	}
	if b.Genre == "" {
		return fmt.Errorf("domain: genre is required")
	}
	if b.Inspiration == "" {
		return fmt.Errorf("domain: inspiration is required")
	}
	if b.TargetWordCount < 0 {
		return fmt.Errorf("domain: target_word_count must be >= 0")
	}
	return nil
}

// DefaultTargetWordCount returns a sane default by production type when the
// brief does not specify one.
func (b Brief) DefaultTargetWordCount() int {
	if b.TargetWordCount > 0 {
		return b.TargetWordCount
	}
	switch b.ProductionType {
	case ProductionShortStory:
		return 6000
	case ProductionNovella:
		return 25000
	case ProductionNovel:
		return 80000
	case ProductionEpicSaga:
		return 200000
	default:
		return 6000
	}
}
