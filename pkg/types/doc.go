/*
Package types defines the core data structures shared across the gateway.

The DICOM hierarchy (Study, Series, Instance) mirrors the catalog tables;
Destination describes a downstream AE with its health counters; Job and
ForwardJob are the durable queue rows; IngestEvent and AuditEntry are the
append-only records.

All entities carry UUID surrogate keys. Status fields use typed string
constants so invalid states fail at the type level rather than in SQL.
*/
package types
