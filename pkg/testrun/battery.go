package testrun

import "github.com/changegate/changegate/pkg/change"

// coreSecurityCases run for every tested change regardless of category.
var coreSecurityCases = []TestSpec{
	{Name: "vulnerability-scan", Category: CategorySecurity, Expected: "no new critical or high findings"},
	{Name: "auth-regression", Category: CategorySecurity, Expected: "authentication paths unchanged"},
}

// categoryCases are added on top of the core cases by change category.
var categoryCases = map[change.Category][]TestSpec{
	change.CategoryCertificate: {
		{Name: "tls-handshake", Category: CategorySecurity, Expected: "handshake succeeds with new chain"},
		{Name: "cert-chain-validation", Category: CategorySecurity, Expected: "full chain validates to trusted root"},
		{Name: "cert-expiry-window", Category: CategoryFunctional, Expected: "validity window covers renewal horizon"},
	},
	change.CategoryDependency: {
		{Name: "dependency-compatibility", Category: CategoryCompatibility, Expected: "dependents resolve against new version"},
		{Name: "api-surface-diff", Category: CategoryCompatibility, Expected: "no breaking interface changes"},
	},
	change.CategoryConfiguration: {
		{Name: "config-syntax", Category: CategoryFunctional, Expected: "rendered configuration parses"},
		{Name: "config-drift", Category: CategoryFunctional, Expected: "no unmanaged drift on target"},
	},
	change.CategoryPolicy: {
		{Name: "policy-syntax", Category: CategoryFunctional, Expected: "policy document compiles"},
		{Name: "policy-simulation", Category: CategorySecurity, Expected: "no privilege widening against baseline"},
	},
	change.CategorySecurityUpdate: {
		{Name: "exploit-regression", Category: CategorySecurity, Expected: "known exploit no longer reproduces"},
		{Name: "service-smoke", Category: CategoryFunctional, Expected: "patched services answer health checks"},
	},
	change.CategorySystem: {
		{Name: "service-smoke", Category: CategoryFunctional, Expected: "services answer health checks after change"},
		{Name: "latency-baseline", Category: CategoryPerformance, Expected: "p99 latency within 10% of baseline"},
	},
}

// AssembleBattery selects the test cases applicable to a change. A change
// with testing not required gets an empty battery, which aggregates to
// passed. Each case targets the first affected system unless it carries its
// own target.
func AssembleBattery(c *change.SecurityChange) []TestSpec {
	if c == nil || !c.TestingRequired {
		return nil
	}
	target := ""
	if len(c.AffectedSystems) > 0 {
		target = c.AffectedSystems[0]
	}

	specs := make([]TestSpec, 0, len(coreSecurityCases)+3)
	specs = append(specs, coreSecurityCases...)
	specs = append(specs, categoryCases[c.Category]...)
	for i := range specs {
		if specs[i].Target == "" {
			specs[i].Target = target
		}
	}
	return specs
}
