package ir

// Version constants reported by the CLI and stamped on evidence.
const (
	// EvidenceVersion is the diagnostic record schema version.
	EvidenceVersion = "1"

	// EngineVersion is the converge runtime version.
	EngineVersion = "0.1.0"
)
