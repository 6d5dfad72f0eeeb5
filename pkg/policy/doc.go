// Package policy evaluates Open Policy Agent (OPA) Rego policies against a
// resolved project and against orchestration plans.
//
// Every policy is a Rego module whose package defines a `deny` set. Members
// of the set are either plain messages or objects:
//
//	deny contains violation if {
//		some svc in input.services
//		startswith(svc.from, "scratch")
//		violation := {
//			"message": sprintf("service %s has no base", [svc.name]),
//			"service": svc.name,
//			"path": sprintf("services.%s.from", [svc.name]),
//			"severity": "error",
//		}
//	}
//
// The input document carries `operation` ("project" or "plan"), `project`,
// `services` (name, from, roles, labels, ports, volumes, user, networks,
// options) for project checks, and `plan` for plan checks.
//
// Built-in policies:
//
//   - reserved-labels: services must not set the fingerprint or role labels
//   - service-naming: service names must be lowercase DNS labels
//   - pinned-base-image: warns about base images on latest or without a tag
//   - privileged-services: warns about plans that start privileged services
//
// Extra policies come from the `settings.policies` list of the project file.
// Each entry is a .rego or .json file, or a directory searched recursively.
// Violations with severity "error" fail the command with ConfigInvalid;
// others are logged.
package policy
