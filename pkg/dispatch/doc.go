/*
Package dispatch owns the compile-job pipeline.

Admission runs in QueueJob: the room must exist and not be archived,
the code must fit the size cap, the user must be under their rolling
rate limit, and the pipeline must be under its saturation bound. Only
then is the job persisted and enqueued.

Worker lanes dequeue items, move the job to Running, and run it on the
sandbox pool under a per-attempt deadline slightly wider than the
job's wall timeout. Results settle the job exactly once: a run that
finished (any exit code) completes the item, a timeout marks Timeout,
and sandbox infrastructure errors retry with exponential backoff until
the attempt budget is spent.
*/
package dispatch
