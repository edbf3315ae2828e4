//go:build mage

// Package main provides build targets for the larder project using Mage.
//
// Usage:
//
//	mage build          Compile the larder binary to bin/
//	mage install        Install larder to GOPATH/bin
//	mage clean          Remove build artifacts
//	mage test:all       Run every test
//	mage test:unit      Run tests without the SQLite-backed ones (-short)
//	mage test:race      Run every test with the race detector
//	mage test:cover     Write coverage to bin/coverage.out and print a summary
//	mage lint           Run golangci-lint
//	mage demo           Run the tutorial pipeline end to end in a temp dir
//	mage stats          Print Go lines of code per package
package main
