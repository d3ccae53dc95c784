package engine

// FailureClass classifies how a conversion run went wrong.
type FailureClass int

const (
	FailureNone FailureClass = iota
	// FailureInputMissing: source artifact absent, no process started.
	FailureInputMissing
	// FailureSpawn: OS-level launch failure.
	FailureSpawn
	// FailureProtocol: process exited without a parseable terminal payload.
	FailureProtocol
	// FailureConversion: engine ran and reported success=false.
	FailureConversion
	// FailureTimeout: wall-clock budget exceeded, process force-killed.
	FailureTimeout
)

func (c FailureClass) String() string {
	switch c {
	case FailureNone:
		return "None"
	case FailureInputMissing:
		return "InputMissing"
	case FailureSpawn:
		return "SpawnFailure"
	case FailureProtocol:
		return "ProtocolFailure"
	case FailureConversion:
		return "ConversionFailure"
	case FailureTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Request describes one conversion run handed to the supervisor.
type Request struct {
	JobID       string
	InputPath   string
	OutputPath  string
	Tolerance   float64
	Repair      bool
	InputFormat string
	Merge       bool
}

// Outcome is the classified result of a conversion run.
type Outcome struct {
	Success    bool
	Failure    FailureClass
	Message    string
	Facets     int
	OutputSize int64
}

// terminalPayload is the structured result the engine prints as its last
// balanced JSON object on stdout. success is authoritative over the exit code.
type terminalPayload struct {
	Success        bool   `json:"success"`
	Error          string `json:"error"`
	MeshInfoBefore struct {
		Facets int `json:"facets"`
	} `json:"mesh_info_before"`
	OutputSize int64 `json:"output_size"`
}
