// Package parquet snapshots the derived views to Parquet files.
//
// The package provides:
//   - Row types for LatestRecord, DailyStat and LatestParamValue
//   - A generic Writer and Reader over those rows
//   - An Exporter that writes one file per view after each refresh
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
package parquet
