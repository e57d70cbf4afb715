// Package workmgr is a fan-out work distribution engine over named, durable
// queues.
//
// Producers post items with WorkManager.PostWorkItem. Each item lands in the
// queue named by its QueueName, created on first use and recorded in the
// store's registry so a restart can find it again. A bounded pool of
// executers serves the queues through the QueueManager's hand-off channel, a
// queue of queue names: an executer pops a name, drains at most
// YieldQueueAfter items from it, then pushes the name back. Because a name
// sits either in the channel or with exactly one executer, no two executers
// ever work the same queue.
//
// A queue found empty on two visits at least RemoveEmptyQueueAfter apart is
// unregistered. Scaling decisions and handler teardown run on a single
// deferred executer so they never contend with posting or dequeuing.
package workmgr
