/*
Package queue is the durable compile-job queue backed by bbolt.

Waiting items key on a priority byte followed by a big-endian sequence
number, so a single cursor walk yields priority order with FIFO inside
each priority. Dequeued items move to an active bucket keyed by job ID;
Ack and Nack settle them into completed, delayed (retry with
exponential backoff) or failed. Items stranded in active by a crash are
returned to waiting on Open, so no accepted job is ever lost.
*/
package queue
