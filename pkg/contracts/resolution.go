package contracts

// Verification levels for a repository resolution, strongest first.
const (
	VerificationMapping    = "mapping"    // matched a configured mapping rule
	VerificationVerified   = "verified"   // trace frame confirmed on the host
	VerificationUnverified = "unverified" // heuristic or empty
)

// Resolution confidence scale. The PR confidence gate compares against
// these, so they are part of the stored contract.
const (
	ConfidenceMapping   = 0.95
	ConfidenceVerified  = 0.85
	ConfidenceHeuristic = 0.50
)

// TraceFrame is one normalized application frame parsed from failure text.
type TraceFrame struct {
	RawPath        string `json:"raw_path"`
	NormalizedPath string `json:"normalized_path"`
	Line           int    `json:"line"`
	Column         int    `json:"column,omitempty"`
	Function       string `json:"function,omitempty"`
}

// RepoResolution is the resolver's output: one repository identity with a
// calibrated confidence and the trail that produced it.
type RepoResolution struct {
	RepoFullName string       `json:"repo_full_name"`
	Confidence   float64      `json:"confidence"`
	Reasons      []string     `json:"reasons,omitempty"`
	Verification string       `json:"verification"`
	TraceFrames  []TraceFrame `json:"trace_frames,omitempty"`
}
