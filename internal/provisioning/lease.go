package provisioning

import "context"

// Lease is one claimed batch and the owner stamped on it.
//
// Reports made through a Lease only land while Owner still holds the command.
// Once the lease expires and another claim takes the command, they return
// false and leave the new holder's outcome alone.
type Lease struct {
	Owner string
	IDs   []int64

	queue *Queue
}

// MarkCompleted is Queue.MarkCompleted restricted to commands Owner holds.
func (l *Lease) MarkCompleted(ctx context.Context, id int64, log []string) (bool, error) {
	return l.queue.store.CompleteCommand(ctx, id, l.Owner, log, l.queue.cfg.Clock.Now())
}

// MarkFailed is Queue.MarkFailed restricted to commands Owner holds.
func (l *Lease) MarkFailed(ctx context.Context, id int64, log []string, cause error) (bool, error) {
	return l.queue.markFailed(ctx, id, l.Owner, log, cause)
}

// Requeue is Queue.Requeue restricted to commands Owner holds.
func (l *Lease) Requeue(ctx context.Context, ids []int64) (int64, error) {
	return l.queue.requeue(ctx, ids, l.Owner)
}
