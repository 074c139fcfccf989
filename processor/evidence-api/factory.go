package evidenceapi

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the evidence-api component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "evidence-api",
		Factory:     NewComponent,
		Schema:      evidenceAPISchema,
		Type:        "processor",
		Protocol:    "nats",
		Domain:      "semgate",
		Description: "Assembles policy-filtered, budgeted evidence and validated answers for decisions",
		Version:     "0.1.0",
	})
}
