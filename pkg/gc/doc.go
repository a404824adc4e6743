/*
Package gc removes dead task containers and keeps disk usage in check.

# Marking

A container is marked for removal either by the task that owned it, the
moment the task finishes, or by a periodic sweep that finds exited or
unknown containers in the worker's namespace that nobody marked. A
container marked by a task carries the keys of the cache instances it had
mounted.

# Sweeps

Every Interval the collector runs one sweep:

 1. List all containers, including stopped ones, and mark the stale ones
 2. Force-remove every marked container that is not ignored
 3. Release the cache instances of each container that was removed
 4. Compare free disk space with Threshold * (capacity - running tasks)
    and purge unmounted cache instances when it falls short

A failed listing skips the whole sweep. Removal of a container that is
already gone counts as success.

# Retries and the Ignore Set

Each marked container gets Retries forced removal attempts, one per sweep.
When they run out the container is added to a persistent ignore set, an
operator alert is logged and the collector never touches it again. Its
caches stay mounted, so a container that cannot be removed never hands a
cache it may still be writing to another task. The ignore set is kept in
the bolt store and can be inspected or cleared with "burrow gc".
*/
package gc
