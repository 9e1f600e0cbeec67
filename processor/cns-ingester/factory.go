package cnsingester

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the cns-ingester component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        componentName,
		Factory:     NewComponent,
		Schema:      cnsIngesterSchema,
		Type:        "processor",
		Protocol:    "nats",
		Domain:      "cns",
		Description: "Materializes CNS topology and activity telemetry and serves it over HTTP",
		Version:     componentVersion,
	})
}
