// Package plugin defines the contract between the dispatch engine and the
// plugins it runs: definitions, events, results and the in-memory registry.
//
// A plugin is a plain record of metadata plus a Handler function. The engine
// never mutates a Definition after registration; callers that want to change
// a plugin re-register it under the same id.
//
// Events carry an opaque JSON-object payload in Data. The only sanctioned way
// to change what later plugins in a dispatch observe is a derived event built
// with WithData, which never aliases the original map.
package plugin
