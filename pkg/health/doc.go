// Package health probes destination reachability with plain TCP connects.
package health
