// Package observers turns declared states into observations.
//
// A Registry maps a state type to an engine.Observer and implements
// engine.Dispatcher for the reconciler. Observers only look: they read files,
// probe sockets or inspect containers, and never change anything.
//
// Built-in types:
//
//	package.deps       lockfile (default package-lock.json) exists under the service root
//	db.schema          source file exists; unknown when no source is configured
//	env.export         a non-empty keys list is declared
//	env.inherit        a from service is declared
//	process.http       host:port accepts a TCP connection within the probe timeout
//	process.container  a docker container is running and not unhealthy
//
// Manifest plugins register further types backed by WASI modules run under
// wazero. A plugin reads a JSON request on stdin, can read the project
// mounted at /project, and writes {"status": ..., "evidence": {...}} to
// stdout.
package observers
