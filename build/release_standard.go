//go:build !dev && !testing
// +build !dev,!testing

package build

// DEBUG is a compile-time flag for enabling developer sanity checks. It is
// false in the standard release build.
const DEBUG = false

// Release identifies which of the three build variants (standard, dev,
// testing) produced the running binary.
const Release = "standard"
