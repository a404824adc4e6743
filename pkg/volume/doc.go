/*
Package volume manages cache volumes: reusable host directories that are
bind-mounted into successive task containers so state such as package
caches survives between runs.

Instances live under <root>/<cacheName>/<id> and are keyed "<cacheName>::<id>".
Get hands out the most recently released unmounted instance of a name, or
creates a new one. Release puts the instance back under a fresh key with the
same path, so a stale key cannot be released twice. Clear(true) purges every
unmounted instance when the garbage collector detects disk pressure.

A Cache is safe for concurrent use. Selecting an instance and marking it
mounted happen under one lock; directory creation and removal happen outside it.
*/
package volume
