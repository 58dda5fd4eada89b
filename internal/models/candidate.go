package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Candidate is one upstream extraction result awaiting deduplication.
type Candidate struct {
	Description string   `json:"description"`
	Evidence    Evidence `json:"evidence"`
	Scores
}

// Validate reports whether the candidate can enter the merge pipeline.
func (c *Candidate) Validate() error {
	if strings.TrimSpace(c.Description) == "" {
		return fmt.Errorf("candidate description is empty")
	}
	return nil
}

// ToItem builds the item record for a candidate under the given ID and batch group.
func (c *Candidate) ToItem(id, groupID string) *Item {
	return &Item{
		ID:          id,
		Description: strings.TrimSpace(c.Description),
		Evidence:    append(Evidence{}, c.Evidence...),
		Scores:      c.Scores,
		GroupID:     groupID,
	}
}

// ParseBatch decodes a batch: either a JSON array of candidates or an object
// with an "observations" array. Older exports use "text" instead of
// "description"; both are accepted.
func ParseBatch(data []byte) ([]Candidate, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("empty batch")
	}
	var raw []json.RawMessage
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			return nil, fmt.Errorf("failed to parse batch: %w", err)
		}
	} else {
		var env struct {
			Observations []json.RawMessage `json:"observations"`
		}
		if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
			return nil, fmt.Errorf("failed to parse batch: %w", err)
		}
		raw = env.Observations
	}
	out := make([]Candidate, 0, len(raw))
	for i, r := range raw {
		var c struct {
			Candidate
			Text string `json:"text"`
		}
		if err := json.Unmarshal(r, &c); err != nil {
			return nil, fmt.Errorf("failed to parse batch record %d: %w", i, err)
		}
		if c.Description == "" {
			c.Description = c.Text
		}
		out = append(out, c.Candidate)
	}
	return out, nil
}
