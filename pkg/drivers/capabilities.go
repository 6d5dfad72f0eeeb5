package drivers

import (
	"fmt"
	"strings"
)

// Capability is a bitset of driver capabilities.
type Capability uint8

const (
	// CapBuild covers container runs, layer commits and image lookups.
	CapBuild Capability = 1 << iota

	// CapRun covers applying orchestration plans.
	CapRun

	// CapPush covers pushing images to a registry.
	CapPush

	// CapLogin covers registry authentication.
	CapLogin

	// CapDeploy covers emitting deployment plans for registry images.
	CapDeploy

	// CapImport covers converting foreign build files into projects.
	CapImport

	// CapInstall covers installing roles into the project.
	CapInstall
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapBuild, "BUILD"},
	{CapRun, "RUN"},
	{CapPush, "PUSH"},
	{CapLogin, "LOGIN"},
	{CapDeploy, "DEPLOY"},
	{CapImport, "IMPORT"},
	{CapInstall, "INSTALL"},
}

// Has reports whether every bit of other is set in c.
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

// Missing returns the bits of required that c lacks.
func (c Capability) Missing(required Capability) Capability {
	return required &^ c
}

// String returns the capability names joined by '|'.
func (c Capability) String() string {
	if c == 0 {
		return "NONE"
	}
	names := make([]string, 0, len(capabilityNames))
	for _, cn := range capabilityNames {
		if c&cn.cap != 0 {
			names = append(names, cn.name)
		}
	}
	return strings.Join(names, "|")
}

// ParseCapability parses a single capability name, case-insensitively.
func ParseCapability(name string) (Capability, error) {
	for _, cn := range capabilityNames {
		if strings.EqualFold(cn.name, name) {
			return cn.cap, nil
		}
	}
	return 0, fmt.Errorf("unknown capability %q", name)
}

// CommandCapabilities maps CLI subcommands to the capabilities they need.
var CommandCapabilities = map[string]Capability{
	"build":   CapBuild,
	"run":     CapRun,
	"restart": CapRun,
	"stop":    CapRun,
	"destroy": CapRun,
	"push":    CapPush | CapLogin,
	"deploy":  CapDeploy,
	"import":  CapImport,
	"install": CapInstall,
}
