package approval

// Stage is one ordered step in an approval workflow.
type Stage string

const (
	StageInitiation         Stage = "initiation"
	StageTechnicalReview    Stage = "technical_review"
	StageSecurityReview     Stage = "security_review"
	StageCombinedReview     Stage = "combined_review"
	StageManagementApproval Stage = "management_approval"
	StageExecution          Stage = "execution"
	StageVerification       Stage = "verification"
	StageClosure            Stage = "closure"
)

// Kind selects the stage sequence and approval shortcuts for a workflow.
type Kind string

const (
	KindStandard  Kind = "standard"
	KindEmergency Kind = "emergency"
	KindFastTrack Kind = "fast-track"
)

// Status is the workflow-level state. escalated workflows still accept
// approvals until the grace window runs out.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusEscalated  Status = "escalated"
	StatusExpired    Status = "expired"
)

// Terminal reports whether the workflow admits no further decisions.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Approvable reports whether decisions are still accepted.
func (s Status) Approvable() bool {
	return s == StatusInProgress || s == StatusEscalated
}

// standardSequence is the full staged path.
var standardSequence = []Stage{
	StageInitiation,
	StageTechnicalReview,
	StageSecurityReview,
	StageManagementApproval,
	StageExecution,
	StageVerification,
	StageClosure,
}

// compressedSequence collapses technical and security review into one
// combined stage. Fast-track and emergency workflows use it.
var compressedSequence = []Stage{
	StageInitiation,
	StageCombinedReview,
	StageManagementApproval,
	StageExecution,
	StageVerification,
	StageClosure,
}

// StageSequence returns the ordered stages for a workflow kind.
func StageSequence(kind Kind) []Stage {
	switch kind {
	case KindFastTrack, KindEmergency:
		seq := make([]Stage, len(compressedSequence))
		copy(seq, compressedSequence)
		return seq
	default:
		seq := make([]Stage, len(standardSequence))
		copy(seq, standardSequence)
		return seq
	}
}

// ValidKind reports whether k names a known workflow kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindStandard, KindEmergency, KindFastTrack:
		return true
	}
	return false
}
