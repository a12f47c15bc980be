// Package provisioning implements the provisioning command queue and the
// worker that drains it.
//
// Domain code enqueues a command whose payload names domain entities by role
// (docente, classe, materia, ...). A Worker claims commands in bounded batches,
// resolves each role into a live entity, hands the resulting ExecutionContext
// to an Executor that talks to the external directory, and reports the outcome:
//
//	lease, _ := queue.Claim(ctx, 0)
//	for _, id := range lease.IDs {
//		ec, err := queue.ResolveForExecution(ctx, id)
//		if IsCommandNotFound(err) {
//			continue
//		}
//		log, err := exec.Execute(ctx, ec)
//		if err != nil {
//			lease.MarkFailed(ctx, id, log, err)
//		} else {
//			lease.MarkCompleted(ctx, id, log)
//		}
//	}
//
// # Recovery
//
// Delivery is at-least-once. A worker that dies mid-batch leaves its claims
// Processing. With Config.LeaseTTL set, the next ClaimBatch after the lease
// expires takes them back automatically, and reports made through the old
// Lease are dropped. Requeue and RequeueStale remain available as the manual
// path. Failed commands are never retried or purged.
package provisioning
