//go:build race

package vmcache

const raceEnabled = true
