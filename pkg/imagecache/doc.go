/*
Package imagecache mirrors depcache's DOWNLOADING/READY/FAILED lifecycle
for docker images instead of bundle content: Get creates or references an
entry by image name, RunDownloads pulls stale or unclaimed entries through
a Puller, and Evict reclaims the oldest FAILED then dependent-free READY
entries once total virtual size exceeds budget.
*/
package imagecache
