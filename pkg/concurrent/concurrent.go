// Package concurrent runs an action across every element of a sequence
// iterator on its own goroutine and joins the results.
package concurrent

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/penthoy/icotes-sub001/pkg/sequence"
)

// Concurrent runs action for each element in parallel and waits for all of
// them, returning the first error encountered.
func Concurrent[T any](i *sequence.Iterator[T], action func(T) error) error {
	var g errgroup.Group
	next, stop := i.Pull()
	defer stop()

	for {
		value, valid := next()
		if !valid {
			break
		}
		g.Go(func() error {
			return action(value)
		})
	}
	return g.Wait()
}

// ParallelMute runs action for each element in parallel and waits for all of
// them, discarding errors. Teardown paths use it when individual failures
// cannot change the outcome.
func ParallelMute[T any](i *sequence.Iterator[T], action func(T) error) {
	var wg sync.WaitGroup
	next, stop := i.Pull()
	defer stop()

	for {
		value, valid := next()
		if !valid {
			break
		}
		wg.Add(1)
		go func(value T) {
			defer wg.Done()
			_ = action(value)
		}(value)
	}
	wg.Wait()
}
