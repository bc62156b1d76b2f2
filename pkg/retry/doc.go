// Package retry provides the backoff used when a worker slot keeps crashing.
//
// ExponentialBackoff computes the delay before attempt n; Streak counts
// consecutive quick failures so a slot that stayed up long enough starts
// again from the initial delay.
//
//	backoff := retry.NewExponentialBackoff(100*time.Millisecond,
//		retry.WithBackoffMaxDelay(5*time.Second),
//		retry.WithBackoffJitter(retry.EqualJitter))
//	streak := retry.NewStreak(backoff, 10*time.Second)
//
//	delay := streak.Failure(startedAt, exitedAt)
package retry
