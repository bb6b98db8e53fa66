/*
Package autoscaler sizes the catalog and forwarder fleets to their
queue depth.

Every check interval it samples pending and processing counts for both
queues and compares them to the configured thresholds: a deep backlog or
saturated workers scale the fleet up, a quiet queue scales it down.
Separate cooldowns for each direction damp oscillation, and per-type
min/max bounds keep the fleet inside its envelope. The actual process
management is delegated to a supervisor.
*/
package autoscaler
