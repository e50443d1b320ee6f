// Package mcp is the reconciliation engine. It turns a validated
// configuration into a registry of JobSchedulers and, on reload, reconciles
// the registry in place: unchanged jobs keep their identity and runs,
// changed jobs are updated in place, new jobs are added and removed jobs are
// disabled and dropped.
//
// A configuration is either applied completely or not at all.
package mcp
