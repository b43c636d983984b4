/*
Package depcache implements the worker-local Dependency Cache.

Get/Release track how many running bundles reference a given parent-bundle
content blob; the first Get for an unseen key creates a DOWNLOADING entry
and assigns it a collision-free relative path under the cache directory.
RunDownloads claims stale or unclaimed DOWNLOADING entries once per tick
and downloads them through a Fetcher with retry; Evict reclaims disk space
by byte budget and serialized-size budget, oldest FAILED entries first,
then oldest dependent-free READY entries.

State is committed to disk after every mutation via statecommitter. On a
shared (NFS) cache directory, a gofrs/flock advisory lock wraps each
read-modify-write so two worker processes sharing the filesystem don't
race; within one process an ordinary mutex is enough.
*/
package depcache
