// Package config loads devstate manifests and tool settings.
//
// # Manifests
//
// A manifest is a YAML (or JSON) document naming services, their desired
// states and the intents that select them. A manifest may also be written in
// CUE, in which case it is evaluated, checked for concreteness and exported
// before parsing. Mapping order is significant and preserved: services,
// states and intent entries keep their declared order.
//
//	loaded, err := config.LoadManifest("devstate.yaml")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(loaded.Hash, len(loaded.Manifest.Services))
//
// Parse failures are engine errors with code PARSE_ERROR; structural problems
// carry SCHEMA_ERROR and the dotted path of the offending node.
//
// # Settings
//
// Tool settings live in .devstate.toml at the project root. Every key is
// optional and overlays the defaults returned by DefaultSettings. The
// DEVSTATE_STATE environment variable overrides the state file path.
//
// # Watching
//
// Watcher reports debounced changes to the manifest and settings files for
// the watch command.
package config
