/*
Package store provides all PostgreSQL data access for the gateway.

One pgx connection pool backs the catalog (studies, series, instances),
the destination registry with its health counters, and the forward-job
queue. A second, deliberately small pool feeds the COPY-based EventBatcher
so bulk ingest-event writes never compete with interactive statements.

Claim semantics for forward jobs match the generic queue: a single
UPDATE over a FOR UPDATE SKIP LOCKED selection, ordered priority DESC
then created_at ASC, that takes ownership and increments attempts in one
statement. Completion and failure paths commit the job update together
with the study transition and the destination health counters.

The AuditSink appends to audit_logs and is handed explicitly to mutating
code paths.
*/
package store
