/*
Package log provides structured logging for conveyor using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("pipeline")                │          │
	│  │  - WithTenant("acme")                       │          │
	│  │  - WithConnection("gerrit-review")          │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │  JSON: {"level":"info","component":"pipeline",│          │
	│  │    "tenant":"acme","message":"item enqueued"}│          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init() in cmd/conveyor
  - Accessible from every pkg/ package
  - Thread-safe concurrent writes, safe to share across replica workers

Log Levels:
  - Debug: per-event tracing (queue drains, watch fires, CAS retries)
  - Info: lifecycle events (lock acquired, item enqueued, build dispatched)
  - Warn: recoverable faults (orphaned node request, malformed event acked)
  - Error: operation failures (advance failed, reporter failed)
  - Fatal: unrecoverable startup errors (process exits)

Configuration:
  - Level: filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: tag logs with the owning package (pipeline, equeue, gerrit, ...)
  - WithTenant: tag logs with the tenant a pipeline manager is scoped to
  - WithConnection: tag logs with the source connection a driver is scoped to

# Usage

Initializing the logger:

	import "github.com/lattice-ci/conveyor/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("replica starting")
	log.Debug("draining trigger queue")
	log.Warn("node request orphaned, resubmitting")
	log.Error("advance failed")
	log.Fatal("cannot bootstrap coordination store") // exits process

Structured logging:

	log.Logger.Info().
		Str("tenant", "acme").
		Str("pipeline", "gate").
		Int("queue_length", 3).
		Msg("item enqueued")

Component loggers, matching how pkg/pipeline.Manager and the source
drivers scope their own loggers once at construction time:

	pipelineLog := log.WithComponent("pipeline").With().
		Str("tenant", tenant.Name).
		Str("pipeline", pl.Name).
		Logger()
	pipelineLog.Info().Str("item", item.ID).Msg("enqueued")

# Integration Points

This package is used by:

  - pkg/pipeline: per-replica manager loop, enqueue/advance/recovery logging
  - pkg/equeue: queue drain and leader-election logging
  - pkg/gerrit, pkg/gitlab, pkg/timer: driver connector and refresh logging
  - pkg/nodepool, pkg/executor: request lifecycle logging
  - pkg/reporter: reporter attempt/outcome logging
  - pkg/zkstore: raft bootstrap and coordination-store lifecycle logging

# Best Practices

Do:
  - Use Info level for lifecycle events in production
  - Use structured fields (.Str, .Int) for queryable data
  - Create a component logger once per manager/driver instance
  - Log errors with .Err() so the underlying cause is preserved

Don't:
  - Log secrets (connection credentials, webhook tokens)
  - Use Debug level in production (per-event volume is high)
  - Concatenate strings into the message; use typed fields instead
*/
package log
