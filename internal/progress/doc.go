// Package progress carries crawl milestones (run, page, item and attachment
// events) from the coordinator and download workers to pluggable sinks. The
// Hub batches events on a background goroutine and never blocks emitters.
package progress
