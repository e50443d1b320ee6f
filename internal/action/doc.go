// Package action models a job's actions and the immutable dependency graph
// over them.
//
// A Graph is built once per job definition and never mutated. Runs keep a
// reference to the graph they were created with, so a reconfiguration that
// swaps a job's graph never changes what an existing run executes.
package action
