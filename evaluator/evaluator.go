// Package evaluator extracts the raw quality signal an external scorer
// consumes from an execution response.
//
// Scoring itself is out of scope here: the sandbox never interprets or
// judges its own output. This package only flattens the response into the
// fields a downstream evaluator reads.
package evaluator

import (
	"github.com/isdmx/starbox/sandbox"
)

// Signal is the raw, unscored quality signal of one execution.
type Signal struct {
	Status          string `json:"status"`
	DurationMS      int64  `json:"duration_ms"`
	Errored         bool   `json:"errored"`
	FigureCount     int    `json:"figure_count"`
	StdoutBytes     int    `json:"stdout_bytes"`
	ValidationCount int    `json:"validation_count"`
}

// FromResponse flattens an assembled response into its quality signal.
func FromResponse(response sandbox.Response) Signal {
	return Signal{
		Status:          string(response.Status),
		DurationMS:      response.DurationMS,
		Errored:         response.Error != nil,
		FigureCount:     len(response.Figures),
		StdoutBytes:     len(response.Stdout),
		ValidationCount: len(response.Findings),
	}
}
