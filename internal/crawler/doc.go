// Package crawler holds the domain types shared by the tender scanner, the
// collaborator interfaces (portal, state store, fetcher, publishers), the
// central retry policy and the resumable crawl coordinator that drives a run.
package crawler
