// Package observability provides logging and metrics support for the
// literature pipeline.
//
// # Logging
//
// Create a logger from configuration:
//
//	logger := observability.NewLogger(observability.LoggingConfig{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "stdout",
//	})
//
// Attach request or job fields:
//
//	logger = observability.WithRequestContext(ctx, logger)
//	logger = observability.WithJobContext(logger, jobID, projectID, "embedding")
//
// # Metrics
//
// Metrics are registered with the default Prometheus registry under a namespace:
//
//	metrics := observability.NewMetrics("litpipe")
//	metrics.RecordSourceSearch("pubmed", "ok", fetched, added, skipped)
//	metrics.RecordJobFinished("embedding", "completed", "", elapsed.Seconds())
package observability
