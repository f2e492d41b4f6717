package pipeline

// State is a pipeline lifecycle state.
type State int32

const (
	StateCreated State = iota
	StatePreflighting
	StateAwaitingHeaders
	StateStreaming
	StateDecoding
	StatePostProcessing
	StateCompleted
	StateAborted
)

var stateNames = [...]string{
	StateCreated:         "created",
	StatePreflighting:    "preflighting",
	StateAwaitingHeaders: "awaitingHeaders",
	StateStreaming:       "streaming",
	StateDecoding:        "decoding",
	StatePostProcessing:  "postProcessing",
	StateCompleted:       "completed",
	StateAborted:         "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether s is completed or aborted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}
