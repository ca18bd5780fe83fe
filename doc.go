// Package kommobridge bridges change notifications of a real-time data source
// into session records and, best-effort, into the Kommo CRM.
//
// A listener subscribes to the source and normalizes notifications into
// events that are handed over to a single dispatch loop through a bounded
// queue. The dispatch loop routes every event to the first registered handler
// whose predicate matches it. Handler failures are isolated and never stop
// the loop.
package kommobridge
