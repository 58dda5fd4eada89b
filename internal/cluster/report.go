package cluster

// State is a ClusterEngine state.
type State string

const (
	StateClustering  State = "CLUSTERING"
	StateSummarizing State = "SUMMARIZING"
	StateJudging     State = "JUDGING"
	StateCommitting  State = "COMMITTING"
	StateSaturated   State = "SATURATED"
	StateExhausted   State = "EXHAUSTED"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateSaturated || s == StateExhausted
}

// RoundReport counts the outcome of one round.
type RoundReport struct {
	Round int `json:"round"`
	// State is COMMITTING for a round that loops, or the terminal state of the last round.
	State    State `json:"state"`
	PoolSize int   `json:"pool_size"`
	Clusters int   `json:"clusters"`
	// Judged counts clusters that passed the cohesion gate with usable verdicts.
	Judged     int `json:"judged"`
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Discarded  int `json:"discarded"`
	Failed     int `json:"failed"`

	DuplicateRatio float64  `json:"duplicate_ratio"`
	NewIDs         []string `json:"new_ids,omitempty"`
}

// Counts returns the counters keyed by name, for the run archive.
func (r *RoundReport) Counts() map[string]int {
	return map[string]int{
		"pool_size":  r.PoolSize,
		"clusters":   r.Clusters,
		"judged":     r.Judged,
		"accepted":   r.Accepted,
		"duplicates": r.Duplicates,
		"discarded":  r.Discarded,
		"failed":     r.Failed,
	}
}

// RunReport summarizes a Run.
type RunReport struct {
	State    State          `json:"state"`
	Rounds   []*RoundReport `json:"rounds"`
	Insights []string       `json:"insights"`
	Labelled int            `json:"labelled"`
}
