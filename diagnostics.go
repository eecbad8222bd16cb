package taskfsm

import (
	"fmt"
	"strings"
)

// DiagKind classifies a validation diagnostic.
type DiagKind string

const (
	DiagDuplicateBinding         DiagKind = "DuplicateBinding"
	DiagDuplicateTimeout         DiagKind = "DuplicateTimeout"
	DiagUnreachableState         DiagKind = "UnreachableState"
	DiagUnknownState             DiagKind = "UnknownState"
	DiagUnknownInitial           DiagKind = "UnknownInitial"
	DiagInconsistentEventPayload DiagKind = "InconsistentEventPayload"
	DiagUnknownHandler           DiagKind = "UnknownHandler"
	DiagTimeoutPayload           DiagKind = "TimeoutPayload"
)

// Diagnostic is a single validation error: a stable kind, a
// human-readable message and the offending identifier(s).
type Diagnostic struct {
	Kind    DiagKind
	Message string
	Names   []string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}

// Diagnostics is the collected result of a failed validation. The
// validator reports as many problems as it can in one pass rather than
// stopping at the first.
type Diagnostics []Diagnostic

func (ds Diagnostics) Error() string {
	if len(ds) == 1 {
		return ds[0].String()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d validation errors:", len(ds))
	for _, d := range ds {
		b.WriteString("\n\t")
		b.WriteString(d.String())
	}
	return b.String()
}

// Has reports whether a diagnostic of the given kind was collected.
func (ds Diagnostics) Has(kind DiagKind) bool {
	for _, d := range ds {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// ByKind returns the diagnostics of the given kind.
func (ds Diagnostics) ByKind(kind DiagKind) []Diagnostic {
	var out []Diagnostic
	for _, d := range ds {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}
