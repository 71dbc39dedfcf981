/*
Package log provides structured logging for stackman using zerolog.

A single global zerolog.Logger is configured once by Init and shared by every
package. Engines derive child loggers that carry a fixed context field:

	logger := log.WithComponent("mapping")
	logger.Info().Uint64("cluster_id", id).Msg("Mapping committed")

	taskLog := log.WithTaskID(task.ID)
	taskLog.Info().Str("status", "RUNNING").Msg("Task started")

	objLog := log.WithObject(ref, clusterID)
	objLog.Warn().Msg("Object has blocking concerns")

The helpers return values, so chain calls only through a variable.

# Levels

  - debug: rejected business operations, redistribution diffs
  - info: task lifecycle, mapping commits, upgrades, bundle loads
  - warn: recoverable runner or watcher failures
  - error: invariant violations rolled back at the transaction boundary

# Output

JSONOutput selects one JSON object per line, suitable for log shipping.
Otherwise a zerolog.ConsoleWriter prints human readable lines with RFC3339
timestamps. Output defaults to stdout.
*/
package log
