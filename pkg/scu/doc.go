/*
Package scu implements the Storage SCU side of the gateway.

One association is opened per forward job. Every stored instance of the
study is pushed with C-STORE using the dataset bytes exactly as written
at ingest; nothing is re-encoded. The association proposes each stored
transfer syntax plus the uncompressed fallbacks. A refused presentation
context or non-success status counts that instance as failed and the
association continues; a dropped association is re-established once,
resuming with the unsent instances.
*/
package scu
