// Package policy evaluates Open Policy Agent (OPA) Rego policies against a
// finished devstate run report.
//
// # Input
//
// Every policy sees the same input document:
//
//	{
//	  "report":   { "runId", "intent", "manifestHash", "previousHash", "stale",
//	                "results": [...], "summary": {...} },
//	  "manifest": { "project", "version", "context", "policies" }
//	}
//
// The manifest "policies" block is also available as data.devstate.policies,
// so a manifest can parameterise shared policies.
//
// # Violations
//
// The engine queries data.<package>.deny of every module. Each value of the
// deny set is one violation: a string becomes the message, an object may set
// "message", "severity" (info, warning, error, critical) and "resource".
// Violations without a severity take the policy default, which is error for
// policies loaded from files.
//
//	package team.ports
//
//	import rego.v1
//
//	deny contains violation if {
//	    some r in input.report.results
//	    r.type == "process.http"
//	    r.evidence.port < 1024
//	    violation := {
//	        "message": sprintf("%s uses a privileged port", [r.key]),
//	        "severity": "warning",
//	        "resource": r.key,
//	    }
//	}
//
// # Built-in Policies
//
//  1. unknown-states - a warning for every result that could not be observed
//  2. stale-state - info when the manifest changed since the last sync
//  3. required-healthy - an error for every key in policies.require_healthy
//     that is not healthy in the run
//
// Blocking filters violations against the fail_on threshold; the CLI exits
// with code 3 when any remain.
package policy
