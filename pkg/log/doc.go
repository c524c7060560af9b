/*
Package log provides structured logging for Fleet using zerolog.

The package wraps a global zerolog.Logger that every component derives a
child logger from. Child loggers carry the identifiers operators filter on:

	log.WithComponent("scheduler")
	log.WithNodeID("node-7")
	log.WithAttempt("merge", attemptID, vmID)

# Configuration

Init is called once by the fleet binary before any component starts:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Console output is meant for development; JSON output is what log shippers
expect in production.

# Severity conventions

  - debug: per-poll chain contents, gateway payload sizes
  - info: coordinator wait during failover, committed merges
  - warn: dropped audit events, slow probes
  - error: gateway failures (always retried) and irrecoverable merges
*/
package log
