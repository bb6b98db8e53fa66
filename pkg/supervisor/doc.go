// Package supervisor starts and stops worker instances on behalf of the
// autoscaler. Pool runs workers as goroutines in the current process;
// Systemd drives template units on the host.
package supervisor
