/*
Package scp implements the Storage SCP side of the gateway.

The Ingestor accepts associations on the configured port, answers
Verification, and for each received composite object: wraps the raw
dataset bytes in a generated Part 10 header, writes the file atomically
under {root}/{study_uid}/{sop_uid}.dcm, and enqueues one
process_received_file job. C-STORE success (0x0000) is returned only
after both the disk write and the enqueue committed; any failure returns
processing failure (0x0110) so the upstream modality retries.

The received dataset bytes are never re-encoded. The only parse on the
hot path is the minimal identity lookup (study, SOP instance, SOP class).
*/
package scp
