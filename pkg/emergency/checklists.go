package emergency

// Response checklists per emergency type. Immediate actions run at
// activation; containment and recovery steps run only when their phase is
// explicitly invoked.

var immediateChecklists = map[Type][]string{
	TypeDataBreach: {
		"revoke suspect credentials",
		"isolate affected systems",
		"preserve forensic evidence",
	},
	TypeRansomware: {
		"isolate affected systems",
		"disable network shares",
		"preserve disk images",
	},
	TypeCriticalVulnerability: {
		"apply virtual patch",
		"restrict external exposure",
	},
	TypeOther: {
		"isolate affected systems",
		"notify security team",
	},
}

var containmentChecklists = map[Type][]string{
	TypeDataBreach: {
		"block exfiltration paths",
		"rotate remaining credentials",
		"enable enhanced monitoring",
	},
	TypeRansomware: {
		"quarantine infected hosts",
		"block command-and-control domains",
		"verify backup integrity",
	},
	TypeCriticalVulnerability: {
		"deploy vendor patch",
		"scan fleet for exposure",
	},
	TypeOther: {
		"contain affected scope",
		"confirm no lateral movement",
	},
}

var recoveryChecklists = map[Type][]string{
	TypeDataBreach: {
		"restore services from clean state",
		"re-enable user access",
		"file breach disclosure report",
	},
	TypeRansomware: {
		"rebuild hosts from known-good images",
		"restore data from verified backups",
		"re-enable network shares",
	},
	TypeCriticalVulnerability: {
		"remove temporary mitigations",
		"confirm patched versions in production",
	},
	TypeOther: {
		"restore normal operations",
		"close incident with summary",
	},
}

// ImmediateChecklist returns the actions executed at activation for an
// emergency type. Unknown types get the generic checklist.
func ImmediateChecklist(t Type) []string {
	return checklist(immediateChecklists, t)
}

// ContainmentChecklist returns the containment-phase steps for a type.
func ContainmentChecklist(t Type) []string {
	return checklist(containmentChecklists, t)
}

// RecoveryChecklist returns the recovery-phase steps for a type.
func RecoveryChecklist(t Type) []string {
	return checklist(recoveryChecklists, t)
}

func checklist(m map[Type][]string, t Type) []string {
	steps, ok := m[t]
	if !ok {
		steps = m[TypeOther]
	}
	out := make([]string, len(steps))
	copy(out, steps)
	return out
}
