// Package storage wires the air-quality pipeline into a single service.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌──────────────────┐
//	│   Extract   │────▶│  Raw Store  │────▶│  Dedup Resolver  │
//	│  (batches)  │     │ (WAL+DuckDB)│     │ (LatestRecord)   │
//	└─────────────┘     └─────────────┘     └──────────────────┘
//	                                               │
//	                              ┌────────────────┴────────────────┐
//	                              ▼                                 ▼
//	                    ┌──────────────────┐              ┌──────────────────┐
//	                    │ Daily Aggregator │              │ Latest-Value     │
//	                    │ (DailyStat)      │              │ Index            │
//	                    └──────────────────┘              └──────────────────┘
//	                              │                                 │
//	                              └───────────────┬─────────────────┘
//	                                              ▼
//	                                    ┌──────────────────┐
//	                                    │ Parquet snapshot │
//	                                    │ + retention      │
//	                                    └──────────────────┘
//
// The refresh orchestrator runs the resolver first and then both dependent
// views in parallel. A failed view keeps its previous content; readers of the
// query service always see a complete version of each view.
package storage
