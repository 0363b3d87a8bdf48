// Package revert provides a small helper for running a sequence of cleanup
// functions in reverse order when an operation fails partway through, e.g.
// key generation succeeding but the sysfs authorize write failing.
package revert

// Reverter accumulates revert functions and runs them in LIFO order unless
// Success is called first.
type Reverter struct {
	fns []func()
}

// New returns an empty Reverter.
func New() *Reverter {
	return &Reverter{}
}

// Add appends a revert function to be run (in reverse order) on Fail.
func (r *Reverter) Add(f func()) {
	r.fns = append(r.fns, f)
}

// Fail runs all added revert functions in reverse order. Safe to call via
// defer even after Success, in which case it is a no-op.
func (r *Reverter) Fail() {
	for i := len(r.fns) - 1; i >= 0; i-- {
		r.fns[i]()
	}

	r.fns = nil
}

// Success discards the accumulated revert functions so a deferred Fail does
// nothing.
func (r *Reverter) Success() {
	r.fns = nil
}
