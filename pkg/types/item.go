package types

import "time"

// Depth selects how much detail each per-item summary carries.
type Depth string

const (
	DepthQuick         Depth = "quick"
	DepthStandard      Depth = "standard"
	DepthComprehensive Depth = "comprehensive"
)

// Valid reports whether d is one of the known depths.
func (d Depth) Valid() bool {
	switch d {
	case DepthQuick, DepthStandard, DepthComprehensive:
		return true
	}
	return false
}

// ParseDepth maps an empty value to DepthStandard.
func ParseDepth(s string) (Depth, bool) {
	if s == "" {
		return DepthStandard, true
	}
	d := Depth(s)
	return d, d.Valid()
}

// Item is one retrieved document.
type Item struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Authors   []string  `json:"authors"`
	Link      string    `json:"link"`
	Abstract  string    `json:"abstract"`
	Published time.Time `json:"published,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// Ref returns the short reference used in reports.
func (it Item) Ref() ItemRef {
	return ItemRef{ID: it.ID, Title: it.Title, Link: it.Link}
}

// ItemRef is the part of an Item a report links back to.
type ItemRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Link  string `json:"link,omitempty"`
}
