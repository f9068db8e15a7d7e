//go:build dev
// +build dev

package build

// DEBUG is enabled in dev builds so sanity checks run and Critical panics
// instead of merely logging.
const DEBUG = true

// Release identifies which of the three build variants (standard, dev,
// testing) produced the running binary.
const Release = "dev"
