// Package main hosts the showrunner CLI entrypoint and command graph.
//
// The Cobra-based command tree covers episode management, cost reporting,
// provider pool health, feature flags, configuration scaffolding, and the
// production daemon. It centralizes configuration resolution and logger
// setup so subcommands stay declarative shells over the internal packages.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
