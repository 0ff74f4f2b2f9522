// Package backend defines the common contract that execution backends
// (local Docker containers, remote AWS Batch jobs) must implement, along
// with the domain types exchanged between the run scheduler and backend
// implementations.
package backend
