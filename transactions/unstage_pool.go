package transactions

// maxUnstageWorkers bounds the worker pool used to unstage mutations
// concurrently during commit/rollback, matching the teacher's fixed
// 32-goroutine pool (transactionattempt_commit.go / _rollback.go).
const maxUnstageWorkers = 32

// runUnstage applies fn to every staged mutation, either serially (in
// insertion order, spec.md §5 "Commit-phase unstaging is issued in
// insertion order") or via a bounded worker pool when parallel unstaging
// is enabled, and returns every non-nil failure observed.
func runUnstage(mutations []*StagedMutation, parallel bool, fn func(*StagedMutation) *TransactionOperationFailedError) []*TransactionOperationFailedError {
	if !parallel || len(mutations) <= 1 {
		var errs []*TransactionOperationFailedError
		for _, m := range mutations {
			if err := fn(m); err != nil {
				errs = append(errs, err)
			}
		}
		return errs
	}

	workers := maxUnstageWorkers
	if workers > len(mutations) {
		workers = len(mutations)
	}

	jobs := make(chan *StagedMutation)
	results := make(chan *TransactionOperationFailedError, len(mutations))

	for i := 0; i < workers; i++ {
		go func() {
			for m := range jobs {
				results <- fn(m)
			}
		}()
	}

	go func() {
		for _, m := range mutations {
			jobs <- m
		}
		close(jobs)
	}()

	var errs []*TransactionOperationFailedError
	for range mutations {
		if err := <-results; err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
