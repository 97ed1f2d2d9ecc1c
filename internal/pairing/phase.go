package pairing

// Phase is the state of a pairing session.
type Phase string

// Session phases, in the order a successful pairing visits them.
const (
	PhaseIdle            Phase = "idle"
	PhaseScanning        Phase = "scanning"
	PhaseReadingIdentity Phase = "reading_identity"
	PhaseAwaitingWifi    Phase = "awaiting_wifi"
	PhaseProvisioning    Phase = "provisioning"
	PhaseEnablingTunnel  Phase = "enabling_tunnel"
	PhaseFetchingTunnel  Phase = "fetching_tunnel"
	PhaseDone            Phase = "done"
	PhaseFailed          Phase = "failed"
)

// Terminal reports whether the phase ends a session.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}
