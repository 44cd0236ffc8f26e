// Package download schedules artifact downloads into the disk cache.
//
// Queue owns every request's status. A fixed pool of goroutines pulls the
// highest-priority pending request (FIFO within a priority), runs the transfer
// through Worker and hands the result back to Queue, which applies the status
// transition and retry policy under its lock. Cancellation and pause are
// cooperative: the queue flips an atomic stop flag and cancels the transfer
// context; the worker observes it between chunks and aborts or suspends its
// cache edit.
//
// Manager wraps cache open/close and queue start/release into one lifecycle.
package download
