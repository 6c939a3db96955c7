// ABOUTME: Signing identity model for the escrow ledger: roles and long-lived identity handles.
// ABOUTME: Identities are provisioned externally; the orchestrator only reads balances and submits operations.
package ledger

// Role classifies what an identity is used for within a run.
type Role string

const (
	// RoleCustodian is the orchestrator's own identity: holds the reserve,
	// receives sweeps during recovery, funds replenishment.
	RoleCustodian Role = "custodian"

	// RoleSeller is the fixed payee identity that settlements pay out to.
	RoleSeller Role = "seller"

	// RoleParticipant identities place bids and hold obligations.
	RoleParticipant Role = "participant"
)

// Identity is a long-lived signing identity on the escrow ledger. The
// orchestrator never creates or destroys identities; it reads their balances
// and issues operations on their behalf. Key is an opaque signing key handle.
type Identity struct {
	Name string `json:"name" yaml:"name"`
	Role Role   `json:"role" yaml:"role"`
	Key  string `json:"-" yaml:"key"`
}

// Participants filters an identity slice down to participant-role identities,
// preserving order.
func Participants(ids []Identity) []Identity {
	out := make([]Identity, 0, len(ids))
	for _, id := range ids {
		if id.Role == RoleParticipant {
			out = append(out, id)
		}
	}
	return out
}

// FindRole returns the first identity with the given role, or false if none.
func FindRole(ids []Identity, role Role) (Identity, bool) {
	for _, id := range ids {
		if id.Role == role {
			return id, true
		}
	}
	return Identity{}, false
}
