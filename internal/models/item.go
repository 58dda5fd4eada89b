// Package models defines the records flowing through the merge and cluster engines.
package models

import (
	"encoding/json"
	"fmt"
)

// Evidence is an ordered list of supporting snippets. In JSON it accepts
// either a single string or an array of strings.
type Evidence []string

// UnmarshalJSON accepts "text", ["a","b"], or null.
func (e *Evidence) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*e = Evidence{}
		} else {
			*e = Evidence{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("evidence must be a string or a list of strings: %w", err)
	}
	*e = Evidence(many)
	return nil
}

// Scores are the LLM-assigned 1-10 judgments attached to an item. They are
// metadata only; no invariant depends on them.
type Scores struct {
	Confidence      int `json:"confidence,omitempty"`
	Generality      int `json:"generality,omitempty"`
	Interestingness int `json:"interestingness,omitempty"`
	Cohesion        int `json:"cohesion,omitempty"`
}

// Item is one observation or insight in a Collection.
type Item struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Evidence    Evidence `json:"evidence"`
	Scores
	Theme   string   `json:"theme,omitempty"`
	Merged  []string `json:"merged,omitempty"`
	GroupID string   `json:"group_id,omitempty"`
	// Level is 0 for raw observations and one more than its highest member for cluster items.
	Level int `json:"level,omitempty"`
	// Reason is the judge's rationale when the item was labelled interesting.
	Reason string `json:"reason,omitempty"`
}

// Clone returns a deep copy so callers can hand items out without sharing slices.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	out := *it
	out.Evidence = append(Evidence(nil), it.Evidence...)
	out.Merged = append([]string(nil), it.Merged...)
	return &out
}

// Label is the text used for retrieval and prompts: "theme: description" for
// cluster items, the description otherwise.
func (it *Item) Label() string {
	if it.Theme != "" {
		return it.Theme + ": " + it.Description
	}
	return it.Description
}
