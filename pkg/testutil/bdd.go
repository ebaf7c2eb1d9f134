package testutil

import "testing"

// Scenario structures a test around a lifecycle narrative: a starting
// state and the outcomes expected from it. Each step runs as its own
// subtest so a failure names the stage that broke.
type Scenario struct {
	t *testing.T
}

// Given establishes the scenario's starting state and returns a handle for
// asserting outcomes against it.
func Given(t *testing.T, desc string, fn func(t *testing.T)) *Scenario {
	t.Helper()
	t.Run("Given "+desc, fn)
	return &Scenario{t: t}
}

// Then asserts one expected outcome of the scenario. Outcomes run in order
// and share whatever state Given set up.
func (s *Scenario) Then(desc string, fn func(t *testing.T)) *Scenario {
	s.t.Helper()
	s.t.Run("Then "+desc, fn)
	return s
}
