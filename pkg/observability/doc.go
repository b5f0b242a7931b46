/*
Package observability exports the execution queue's lifecycle as Prometheus metrics.

Metrics.Hooks plugs into the queue's lifecycle hooks; Metrics.Handler serves the
registry for scraping.
*/
package observability
