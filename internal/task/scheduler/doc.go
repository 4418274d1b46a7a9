// Package scheduler owns the in-process triggers:
//   - one versioned single-shot timer per pending reminder (Arm/Disarm/Rebuild)
//   - housekeeping jobs on robfig/cron (sweeper interval, weekly digest)
//
// Timers never dispatch. A firing timer hands the reminder id to a Submitter,
// which queues a delivery job; the job re-reads the record before claiming
// it. The timer set is therefore only a cache of the store and can be
// rebuilt at any time.
package scheduler
