package approval

import (
	"fmt"
	"os"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/yaml.v3"
)

// StagePolicy configures one stage: who may approve it and how many
// distinct approvers it needs. MinApprovals defaults to 1.
type StagePolicy struct {
	RequiredRoles []string `yaml:"requiredRoles" json:"requiredRoles"`
	MinApprovals  int      `yaml:"minApprovals,omitempty" json:"minApprovals,omitempty"`
}

// Policy drives workflow construction. Stage policies are snapshotted
// onto each workflow at creation time, so edits to the file only affect
// workflows created afterwards.
type Policy struct {
	Stages                 map[string]StagePolicy `yaml:"stages" json:"stages"`
	EmergencyApproverRoles []string               `yaml:"emergencyApproverRoles" json:"emergencyApproverRoles"`
	DeadlineHours          map[string]int         `yaml:"deadlineHours" json:"deadlineHours"`
	GraceHours             int                    `yaml:"graceHours" json:"graceHours"`
	EscalationContacts     []string               `yaml:"escalationContacts" json:"escalationContacts"`
}

// StageRequirement is the resolved, per-workflow form of a stage policy.
type StageRequirement struct {
	Stage         Stage    `json:"stage"`
	RequiredRoles []string `json:"requiredRoles"`
	MinApprovals  int      `json:"minApprovals"`
}

// DefaultPolicy returns the built-in policy used when no file is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Stages: map[string]StagePolicy{
			string(StageInitiation):         {RequiredRoles: []string{"change-requester", "security-engineer"}},
			string(StageTechnicalReview):    {RequiredRoles: []string{"technical-reviewer"}},
			string(StageSecurityReview):     {RequiredRoles: []string{"security-reviewer"}},
			string(StageManagementApproval): {RequiredRoles: []string{"security-manager"}},
			string(StageExecution):          {RequiredRoles: []string{"deployment-operator"}},
			string(StageVerification):       {RequiredRoles: []string{"security-engineer", "deployment-operator"}},
			string(StageClosure):            {RequiredRoles: []string{"security-manager"}},
		},
		EmergencyApproverRoles: []string{"security-incident-commander"},
		DeadlineHours: map[string]int{
			string(KindStandard):  72,
			string(KindFastTrack): 24,
			string(KindEmergency): 4,
		},
		GraceHours:         4,
		EscalationContacts: nil,
	}
}

// LoadPolicy reads a policy file. A missing path (or empty string) yields
// the built-in defaults so deployments without a policy file still work.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("read approval policy %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse approval policy %s: %w", path, err)
	}
	p.fillDefaults()
	return &p, nil
}

// fillDefaults backfills anything the file left out from the built-ins.
func (p *Policy) fillDefaults() {
	def := DefaultPolicy()
	if p.Stages == nil {
		p.Stages = map[string]StagePolicy{}
	}
	for name, sp := range def.Stages {
		if _, ok := p.Stages[name]; !ok {
			p.Stages[name] = sp
		}
	}
	if len(p.EmergencyApproverRoles) == 0 {
		p.EmergencyApproverRoles = def.EmergencyApproverRoles
	}
	if p.DeadlineHours == nil {
		p.DeadlineHours = map[string]int{}
	}
	for kind, hours := range def.DeadlineHours {
		if _, ok := p.DeadlineHours[kind]; !ok {
			p.DeadlineHours[kind] = hours
		}
	}
	if p.GraceHours <= 0 {
		p.GraceHours = def.GraceHours
	}
}

// Requirements resolves the ordered stage requirements for a kind.
// The combined review stage takes the union of the technical and
// security reviewer role sets and the larger of their approval counts.
func (p *Policy) Requirements(kind Kind) []StageRequirement {
	seq := StageSequence(kind)
	reqs := make([]StageRequirement, 0, len(seq))
	for _, stage := range seq {
		var sp StagePolicy
		if stage == StageCombinedReview {
			sp = p.combinedReviewPolicy()
		} else {
			sp = p.Stages[string(stage)]
		}
		min := sp.MinApprovals
		if min < 1 {
			min = 1
		}
		reqs = append(reqs, StageRequirement{
			Stage:         stage,
			RequiredRoles: sp.RequiredRoles,
			MinApprovals:  min,
		})
	}
	return reqs
}

func (p *Policy) combinedReviewPolicy() StagePolicy {
	if sp, ok := p.Stages[string(StageCombinedReview)]; ok && len(sp.RequiredRoles) > 0 {
		return sp
	}
	tech := p.Stages[string(StageTechnicalReview)]
	sec := p.Stages[string(StageSecurityReview)]
	union := mapset.NewSet[string](tech.RequiredRoles...).Union(mapset.NewSet[string](sec.RequiredRoles...))
	roles := union.ToSlice()
	sort.Strings(roles)
	min := tech.MinApprovals
	if sec.MinApprovals > min {
		min = sec.MinApprovals
	}
	return StagePolicy{RequiredRoles: roles, MinApprovals: min}
}

// Deadline computes the decision deadline for a workflow created at now.
func (p *Policy) Deadline(kind Kind, now time.Time) time.Time {
	hours, ok := p.DeadlineHours[string(kind)]
	if !ok || hours <= 0 {
		hours = DefaultPolicy().DeadlineHours[string(KindStandard)]
	}
	return now.Add(time.Duration(hours) * time.Hour)
}

// Grace returns the one-shot extension granted after a deadline breach.
func (p *Policy) Grace() time.Duration {
	hours := p.GraceHours
	if hours <= 0 {
		hours = DefaultPolicy().GraceHours
	}
	return time.Duration(hours) * time.Hour
}

// IsEmergencyApprover reports whether any of roles carries the emergency
// override privilege.
func (p *Policy) IsEmergencyApprover(roles []string) bool {
	allowed := mapset.NewSet[string](p.EmergencyApproverRoles...)
	for _, r := range roles {
		if allowed.Contains(r) {
			return true
		}
	}
	return false
}
