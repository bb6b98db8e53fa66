/*
Package metrics exposes Prometheus metrics for the gateway.

All collectors live on a Metrics struct backed by a private registry. The
struct is built once in main with metrics.New() and passed to each component,
so tests can construct isolated instances without collector name collisions.

Metric families:
  - dicomgw_objects_received_total / dicomgw_bytes_received_total
  - dicomgw_receive_duration_seconds / dicomgw_storage_duration_seconds
  - dicomgw_instances_cataloged_total / dicomgw_catalog_errors_total
  - dicomgw_instances_forwarded_total / dicomgw_bytes_forwarded_total
  - dicomgw_forward_duration_seconds
  - dicomgw_jobs_processed_total / dicomgw_queue_depth
  - dicomgw_stale_reclaims_total
  - dicomgw_workers_running / dicomgw_scale_events_total

Handler() serves the registry via promhttp for scraping.
*/
package metrics
