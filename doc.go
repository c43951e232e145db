// Package main provides the macpack CLI for signing, packaging and
// notarizing macOS application bundles.
//
// For the library API, see the subpackages:
//
//	import "github.com/tirans/macpack/pkg/pipeline"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/tirans/macpack@latest
package main
