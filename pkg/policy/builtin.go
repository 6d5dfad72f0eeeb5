package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		reservedLabelsPolicy(),
		serviceNamingPolicy(),
		pinnedBaseImagePolicy(),
		privilegedServicesPolicy(),
	}
}

// reservedLabelsPolicy keeps services from setting the labels the layer cache
// relies on.
func reservedLabelsPolicy() Policy {
	return Policy{
		Name:        "reserved-labels",
		Description: "Services must not set the fingerprint or role labels",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package rolecraft.policies.labels

import rego.v1

reserved := {"fingerprint", "role"}

deny contains violation if {
	some svc in input.services
	some key, _ in svc.labels
	key in reserved
	violation := {
		"message": sprintf("service %s sets the reserved label '%s'", [svc.name, key]),
		"service": svc.name,
		"path": sprintf("services.%s.labels.%s", [svc.name, key]),
		"severity": "error",
	}
}`,
	}
}

// serviceNamingPolicy requires service names usable as DNS labels, since they
// become container hostnames and cluster object names.
func serviceNamingPolicy() Policy {
	return Policy{
		Name:        "service-naming",
		Description: "Service names must be lowercase DNS labels",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package rolecraft.policies.naming

import rego.v1

deny contains violation if {
	some svc in input.services
	not regex.match("^[a-z0-9]([-a-z0-9]*[a-z0-9])?$", svc.name)
	violation := {
		"message": sprintf("service name '%s' must contain only lowercase letters, digits and inner hyphens", [svc.name]),
		"service": svc.name,
		"path": sprintf("services.%s", [svc.name]),
		"severity": "error",
	}
}

deny contains violation if {
	some svc in input.services
	count(svc.name) > 63
	violation := {
		"message": sprintf("service name '%s' must not exceed 63 characters", [svc.name]),
		"service": svc.name,
		"path": sprintf("services.%s", [svc.name]),
		"severity": "error",
	}
}`,
	}
}

// pinnedBaseImagePolicy warns about base images that float.
func pinnedBaseImagePolicy() Policy {
	return Policy{
		Name:        "pinned-base-image",
		Description: "Base images should be pinned to a tag other than latest, or a digest",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package rolecraft.policies.images

import rego.v1

deny contains violation if {
	some svc in input.services
	not contains(svc.from, "@")
	unpinned(svc.from)
	violation := {
		"message": sprintf("service %s builds from unpinned image '%s'", [svc.name, svc.from]),
		"service": svc.name,
		"path": sprintf("services.%s.from", [svc.name]),
		"severity": "warning",
	}
}

unpinned(ref) if endswith(ref, ":latest")

unpinned(ref) if {
	parts := split(ref, "/")
	not contains(parts[count(parts) - 1], ":")
}`,
	}
}

// privilegedServicesPolicy flags plans that start privileged containers.
func privilegedServicesPolicy() Policy {
	return Policy{
		Name:        "privileged-services",
		Description: "Plans should not run services in privileged mode",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package rolecraft.policies.privileged

import rego.v1

deny contains violation if {
	some task in input.plan.tasks
	task.kind == "services"
	some def in task.services
	def.options.privileged == true
	violation := {
		"message": sprintf("service %s runs privileged", [def.name]),
		"service": def.name,
		"path": sprintf("services.%s.privileged", [def.name]),
		"severity": "warning",
	}
}`,
	}
}
