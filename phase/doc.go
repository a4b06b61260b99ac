// Package phase defines the fixed, ordered catalog of processing phases.
//
// Every interceptor is bound to exactly one named phase. A chain executes
// phases in catalog order; interceptors inside one phase are ordered by their
// before/after constraints. The catalog is fixed when a Manager is created,
// so an interceptor naming a phase the catalog does not know is rejected as a
// ConfigurationError when it is registered, never while a message is being
// dispatched.
//
// Example usage:
//
//	pm := phase.NewManager()
//	for _, p := range pm.Phases(phase.In) {
//		fmt.Println(p.Name, p.Priority)
//	}
package phase
