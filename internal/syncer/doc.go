// Package syncer applies change batches from the watch package to the
// updater registry.
//
// For each batch the Consumer resolves the changed paths to updater
// scripts, interprets and writes them, and commits once. When the commit
// fails it rolls back and reimports every affected bundle, the first
// directory level below the watched root, committing after each bundle.
// The fallback is never retried.
package syncer
