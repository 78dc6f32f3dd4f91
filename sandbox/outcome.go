package sandbox

import (
	"encoding/base64"
	"time"
)

// Status is the terminal state of one execution request, expressed as data.
type Status string

// Terminal statuses
const (
	StatusRejected         Status = "validated_rejected"
	StatusCompleted        Status = "completed"
	StatusTimedOut         Status = "timed_out"
	StatusResourceExceeded Status = "resource_exceeded"
	StatusRuntimeFailure   Status = "runtime_failure"
)

// Outcome is the tagged result of one execution request. Exactly one
// variant applies, selected by Status; the remaining fields are meaningful
// only for that variant. The constructors below are the only intended way
// to build one. An Outcome is owned by the caller and never mutated after
// assembly.
type Outcome struct {
	Status   Status        `json:"status"`
	Findings []Finding     `json:"findings,omitempty"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Figures  []Figure      `json:"figures,omitempty"`
	Limit    LimitKind     `json:"limit,omitempty"`
	Message  string        `json:"message,omitempty"`
	Trace    string        `json:"trace,omitempty"`
	Duration time.Duration `json:"duration"`
}

// NewRejected builds the validation-failure outcome. The worker was never
// invoked: no output, no figures, no duration.
func NewRejected(findings []Finding) Outcome {
	return Outcome{Status: StatusRejected, Findings: findings}
}

// NewCompleted builds the success outcome.
func NewCompleted(stdout, stderr string, figures []Figure, duration time.Duration) Outcome {
	return Outcome{
		Status:   StatusCompleted,
		Stdout:   stdout,
		Stderr:   stderr,
		Figures:  figures,
		Duration: duration,
	}
}

// NewTimedOut builds the deadline outcome with whatever output was captured
// before the forced termination. Figures are not included: a killed run is
// never given the chance to rasterize.
func NewTimedOut(stdout, stderr string, duration time.Duration) Outcome {
	return Outcome{
		Status:   StatusTimedOut,
		Stdout:   stdout,
		Stderr:   stderr,
		Message:  "execution exceeded the wall-clock deadline and was terminated",
		Duration: duration,
	}
}

// NewResourceExceeded builds the resource-ceiling outcome.
func NewResourceExceeded(limit LimitKind, stdout, stderr string, duration time.Duration) Outcome {
	return Outcome{
		Status:   StatusResourceExceeded,
		Stdout:   stdout,
		Stderr:   stderr,
		Limit:    limit,
		Message:  "execution exceeded the " + string(limit) + " ceiling and was terminated",
		Duration: duration,
	}
}

// NewRuntimeFailure builds the unhandled-error outcome. The trace contains
// only frames from the executed code, never sandbox internals.
func NewRuntimeFailure(message, trace, stdout, stderr string, duration time.Duration) Outcome {
	return Outcome{
		Status:   StatusRuntimeFailure,
		Stdout:   stdout,
		Stderr:   stderr,
		Message:  message,
		Trace:    trace,
		Duration: duration,
	}
}

// FigurePayload is one figure in the external schema.
type FigurePayload struct {
	Index    int    `json:"index"`
	Encoding string `json:"encoding"`
	Data     string `json:"data"`
}

// FindingPayload is one validation finding in the external schema.
type FindingPayload struct {
	Kind     string `json:"kind"`
	Location string `json:"location"`
	Detail   string `json:"detail"`
}

// ErrorPayload carries the error message and cleaned trace, when present.
type ErrorPayload struct {
	Message string `json:"message"`
	Trace   string `json:"trace"`
}

// Response is the fixed external schema returned to the orchestrating
// agent. Every field is always present so callers can pattern-match on a
// stable shape regardless of which terminal state occurred; failure modes
// are data, never exceptions.
type Response struct {
	Status     Status           `json:"status"`
	Stdout     string           `json:"stdout"`
	Stderr     string           `json:"stderr"`
	Figures    []FigurePayload  `json:"figures"`
	Findings   []FindingPayload `json:"findings"`
	Error      *ErrorPayload    `json:"error"`
	DurationMS int64            `json:"duration_ms"`
}

// Assemble normalizes a terminal Outcome into the external schema. It is a
// pure mapping: absent fields become explicit empty values, figures are
// base64-encoded, and the error object is set exactly when the outcome
// carries a message.
func Assemble(outcome Outcome) Response {
	response := Response{
		Status:     outcome.Status,
		Stdout:     outcome.Stdout,
		Stderr:     outcome.Stderr,
		Figures:    make([]FigurePayload, 0, len(outcome.Figures)),
		Findings:   make([]FindingPayload, 0, len(outcome.Findings)),
		DurationMS: outcome.Duration.Milliseconds(),
	}

	for _, figure := range outcome.Figures {
		response.Figures = append(response.Figures, FigurePayload{
			Index:    figure.SequenceIndex,
			Encoding: figure.Encoding,
			Data:     base64.StdEncoding.EncodeToString(figure.PNG),
		})
	}

	for _, finding := range outcome.Findings {
		response.Findings = append(response.Findings, FindingPayload{
			Kind:     string(finding.Kind),
			Location: finding.Location(),
			Detail:   finding.Detail,
		})
	}

	if outcome.Message != "" {
		response.Error = &ErrorPayload{Message: outcome.Message, Trace: outcome.Trace}
	}

	return response
}
