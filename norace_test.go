//go:build !race

package vmcache

const raceEnabled = false
