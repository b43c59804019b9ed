// Package analytics records balances and prediction outcomes in PostgreSQL.
//
// Tables:
//   - balance_history: one row per observed balance change, append-only,
//     written in batches
//   - predictions: one row per prediction and account, upserted on every
//     decision and settlement
//
// Recording is optional and best-effort; the miner runs without it.
package analytics
