/*
Package workerinfo caches the worker table so the bundle manager's tick
loop and the scheduler don't hit the store on every lookup.

The cache rebuilds from store.AllWorkers lazily: the first call after it
has aged past RefreshTTL triggers a full reload, everything in between is
served from memory. SetStarting, Restage and Remove update the in-memory
indexes directly so a dispatch decision is visible to IsRunning within the
same tick without waiting for the next rebuild.
*/
package workerinfo
