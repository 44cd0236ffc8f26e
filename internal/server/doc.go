// Package server hosts the Fiber admin API that fronts the download manager.
// It wires request-id and recovery middleware, maps download/cache errors to
// HTTP statuses, and leaves route registration to the routes subpackage so the
// binary can pick which surfaces to expose. Keep exports narrow and accept
// explicit dependencies.
package server
