// Package preflight checks that a sandbox-hosted URL is reachable before a
// client surface navigates into it, resuming paused instances on the way.
package preflight

// Phase is one state of the preflight protocol. The server streams phases as
// newline-delimited JSON; the client adopts each one as its current state.
// Retries are server-side and show up as repeated intermediate phases.
type Phase string

const (
	PhaseLoading      Phase = "loading"
	PhaseResuming     Phase = "resuming"
	PhaseResumed      Phase = "resumed"
	PhaseReady        Phase = "ready"
	PhaseNotFound     Phase = "couldn't find instance"
	PhaseResumeFailed Phase = "failed to resume even after retries"
	PhaseError        Phase = "error"
)

// Terminal reports whether the phase ends the state machine.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseReady, PhaseNotFound, PhaseResumeFailed, PhaseError:
		return true
	}
	return false
}

func (p Phase) valid() bool {
	switch p {
	case PhaseLoading, PhaseResuming, PhaseResumed, PhaseReady,
		PhaseNotFound, PhaseResumeFailed, PhaseError:
		return true
	}
	return false
}

// Message is one line of the preflight stream.
type Message struct {
	Status Phase `json:"status"`
}

// Reduce is the total client update function over (current, incoming).
// Terminal states absorb everything; unknown phases from a misbehaving
// backend collapse to PhaseError rather than leaking raw strings.
func Reduce(current, incoming Phase) Phase {
	if current.Terminal() {
		return current
	}
	if !incoming.valid() {
		return PhaseError
	}
	return incoming
}
