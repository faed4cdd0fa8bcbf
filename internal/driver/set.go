package driver

// Set routes operations to drivers by backend name. A record created on
// one backend must be resumed and released on the same backend, which the
// resolver enforces when a process restarts with a different driver
// configuration.
type Set struct {
	byName      map[string]Driver
	defaultName string
}

// NewSet builds a set with def as the default backend.
func NewSet(def Driver, extra ...Driver) *Set {
	s := &Set{
		byName:      map[string]Driver{def.Name(): def},
		defaultName: def.Name(),
	}
	for _, d := range extra {
		s.byName[d.Name()] = d
	}
	return s
}

// Default returns the driver new sessions run on.
func (s *Set) Default() Driver {
	return s.byName[s.defaultName]
}

// For returns the driver for a backend name.
func (s *Set) For(name string) (Driver, bool) {
	d, ok := s.byName[name]
	return d, ok
}
