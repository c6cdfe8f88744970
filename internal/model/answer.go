package model

// Version is a fact version together with its aggregate evidence confidence
type Version struct {
	Fact       Fact    `json:"fact"`
	Confidence float64 `json:"confidence"`
}

// Answer is the result of a point query (as-of or latest).
// Known=false is the explicit "unknown" result; it is not an error.
type Answer struct {
	Known       bool     `json:"known"`
	Value       string   `json:"value,omitempty"`
	Version     *Version `json:"version,omitempty"`
	Conflicting bool     `json:"conflicting"`
	VersionIDs  []string `json:"version_ids"` // Every candidate version, chain order
}

// Unknown returns the explicit unknown answer
func Unknown() Answer {
	return Answer{Known: false, VersionIDs: []string{}}
}

// ConfidenceBreakdown exposes how an aggregate confidence was computed
type ConfidenceBreakdown struct {
	Aggregate     float64 `json:"aggregate"`
	Support       float64 `json:"support"`       // 1 - prod(1 - c) over supporting evidence
	Contradiction float64 `json:"contradiction"` // 1 - prod(1 - c) over contradicting evidence
	Supporting    int     `json:"supporting"`
	Contradicting int     `json:"contradicting"`
	Formula       string  `json:"formula"`
}
