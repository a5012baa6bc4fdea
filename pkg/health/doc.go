/*
Package health provides generic HTTP, TCP, and exec-based reachability
checks through a single Checker interface.

cmd/worker uses it to probe this process's outbound dependencies (the
GitHub API, the database) on a ticker and republish their status through
pkg/metrics, so /health and /ready report real upstream reachability rather
than just process liveness.
*/
package health
