// Package types defines the core data types used throughout the warehouse.
//
// Key types:
//   - Reading: A single upstream measurement as landed in the raw store
//   - LatestRecord: The authoritative Reading for one natural key
//   - DailyStat: Per-day statistics over LatestRecords
//   - LatestParamValue: The most recent LatestRecord per location and parameter
package types
