package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		unknownStatesPolicy(),
		staleStatePolicy(),
		requiredHealthyPolicy(),
	}
}

// unknownStatesPolicy flags every result whose status could not be determined.
func unknownStatesPolicy() Policy {
	return Policy{
		Name:        "unknown-states",
		Description: "Reports desired states whose status could not be determined",
		Severity:    SeverityWarning,
		Builtin:     true,
		Rego: `package devstate.builtin.unknown_states

import rego.v1

deny contains violation if {
	some result in input.report.results
	result.status == "unknown"
	violation := {
		"message": sprintf("%s (%s) could not be observed", [result.key, result.type]),
		"severity": "warning",
		"resource": result.key,
	}
}
`,
	}
}

// staleStatePolicy notes when the manifest changed since the last sync.
func staleStatePolicy() Policy {
	return Policy{
		Name:        "stale-state",
		Description: "Reports when the manifest changed since state was last written",
		Severity:    SeverityInfo,
		Builtin:     true,
		Rego: `package devstate.builtin.stale_state

import rego.v1

deny contains violation if {
	input.report.stale
	violation := {
		"message": sprintf("manifest changed since the last sync (%s, was %s)", [input.report.manifestHash, input.report.previousHash]),
		"severity": "info",
	}
}
`,
	}
}

// requiredHealthyPolicy enforces the keys listed under
// policies.require_healthy in the manifest.
func requiredHealthyPolicy() Policy {
	return Policy{
		Name:        "required-healthy",
		Description: "Fails when a key listed in policies.require_healthy is not healthy",
		Severity:    SeverityError,
		Builtin:     true,
		Rego: `package devstate.builtin.required_healthy

import rego.v1

required contains key if {
	some key in data.devstate.policies.require_healthy
}

deny contains violation if {
	some result in input.report.results
	required[result.key]
	result.status != "healthy"
	violation := {
		"message": sprintf("%s is required to be healthy but is %s", [result.key, result.status]),
		"severity": "error",
		"resource": result.key,
	}
}

deny contains violation if {
	some key in required
	planned := {result.key | some result in input.report.results}
	not planned[key]
	violation := {
		"message": sprintf("%s is required to be healthy but is not part of intent %s", [key, input.report.intent]),
		"severity": "error",
		"resource": key,
	}
}
`,
	}
}
