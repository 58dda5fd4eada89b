package merge

// Merge records one IDENTICAL decision.
type Merge struct {
	CandidateID string   `json:"candidate_id"`
	Targets     []string `json:"targets"`
	Score       int      `json:"score"`
}

// BatchReport counts the outcome of one ProcessBatch call.
type BatchReport struct {
	GroupID string `json:"group_id"`
	Total   int    `json:"total"`
	Invalid int    `json:"invalid"`
	// Prefiltered candidates were too close to an indexed vector and were discarded without a classifier call.
	Prefiltered int `json:"prefiltered"`
	Added       int `json:"added"`
	Identical   int `json:"identical"`
	Similar     int `json:"similar"`
	Synthesized int `json:"synthesized"`
	Gated       int `json:"gated"`
	Failed      int `json:"failed"`

	AddedIDs []string `json:"added_ids"`
	Merges   []Merge  `json:"merges,omitempty"`
}

// Counts returns the counters keyed by name, for the run archive.
func (r *BatchReport) Counts() map[string]int {
	return map[string]int{
		"total":       r.Total,
		"invalid":     r.Invalid,
		"prefiltered": r.Prefiltered,
		"added":       r.Added,
		"identical":   r.Identical,
		"similar":     r.Similar,
		"synthesized": r.Synthesized,
		"gated":       r.Gated,
		"failed":      r.Failed,
	}
}
