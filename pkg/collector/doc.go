// Package collector provides the core functionality of this exporter.
//
// It runs the scrape loop: on every cycle, one fetch per configured
// target is fanned out, the mod_status reports that come back are
// parsed, and the values land in the snapshot registry that the
// exposition endpoint serves from.
//
// Collection deliberately runs on its own clock (`scrape_time_delay`)
// instead of being driven by prometheus' scrape interval: the
// exposition always answers instantly from the snapshot, and a target
// that stops responding keeps exposing its last known values while the
// failures show up in the logs.
//
package collector
