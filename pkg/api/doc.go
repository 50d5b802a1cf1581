// Package api defines the public types of the gantry workflow runner:
// flow and step definitions, run and task records, the handler registry
// contract, the engine interface, and the observer callbacks.
//
// The root gantry package re-exports the commonly used names, so most
// applications never import this package directly.
package api
