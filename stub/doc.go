// Package stub provides interfaces and stub implementations.
//
// Packages in mxsend use these interfaces and implementations so other software
// reusing these packages won't have to take on unwanted dependencies. The main
// package replaces the stubs with prometheus metrics.
//
// Stubs are provided for: metrics (prometheus).
package stub
