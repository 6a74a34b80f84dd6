// Package main provides the go-ipasign CLI tool for re-signing iOS apps.
//
// Two signing flows are available: annual, with a P12 certificate and a
// provisioning profile, and weekly, which registers the app with a free
// Apple ID and signs it for one device for seven days.
//
// For the library API, see the engine and codesign subpackages:
//
//	import "github.com/aluedeke/go-ipasign/pkg/engine"
//	import "github.com/aluedeke/go-ipasign/pkg/codesign"
//
// # Installation
//
//	go install github.com/aluedeke/go-ipasign@latest
package main
