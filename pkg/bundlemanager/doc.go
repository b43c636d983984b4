/*
Package bundlemanager is the centrally-owned side of the bundle lifecycle.
Manager.Tick runs, in order, the four passes that move bundles between
states: stage newly created bundles once their dependencies resolve,
assemble staged make-bundles in a bounded background pool, reconcile and
dispatch staged run-bundles onto workers, and reap bundles stuck past the
timeout. No step's failure stops the next; everything is logged and
retried on the following tick.
*/
package bundlemanager
