package harness

import "time"

// Mode selects how generated text is consumed.
type Mode string

const (
	// ModeStream dispatches each directive as soon as its line completes.
	ModeStream Mode = "stream"
	// ModeBatch parses the complete text once generation ends.
	ModeBatch Mode = "batch"
)

// Policy controls orchestration behavior.
type Policy struct {
	Mode          Mode
	MaxPairs      int           // history window and retention size, in pairs
	MaxToolRounds int           // continuation generations allowed after tool results
	ToolTimeout   time.Duration // per-tool timeout, 0 for none
	Temperature   float32
	MaxTokens     int

	MaintenanceEnabled     bool
	MaintenanceTemperature float32
	MaintenanceMaxTokens   int

	// DurableTools wipe history at the end of a turn in which they ran.
	DurableTools []string
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		Mode:                   ModeStream,
		MaxPairs:               20,
		MaxToolRounds:          3,
		ToolTimeout:            30 * time.Second,
		Temperature:            0.7,
		MaxTokens:              1024,
		MaintenanceEnabled:     true,
		MaintenanceTemperature: 0.2,
		MaintenanceMaxTokens:   256,
		DurableTools:           []string{"memory.insert"},
	}
}
