//go:build !guarded_checks && !race

package opt

const Checks_ = false
