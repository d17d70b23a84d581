// Package engine wires all reelpipe subsystems together. It creates the
// provider registry, flow machine, pipeline graph, webhook processor, job
// registry, middleware chain, worker pool, and maintenance sweeper, and
// provides run lifecycle operations.
//
// This package exists to break the import cycle: the root reelpipe package
// defines Entity (imported by run, job, etc.) and so cannot import those
// packages back. The engine package sits above all subsystem packages and
// below the application layer.
package engine
