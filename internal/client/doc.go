// Package client is the user-side library: it asks the manager where a file
// lives and moves the bytes to and from the disks directly.
//
// Reads go to a single replica chosen by the manager and fall back once to
// another replica. Writes go to the primary first, then to the rest of the
// replica set in parallel, and succeed on a strict majority. Every write ends
// with a COMMIT to the manager reporting which disks acknowledged it.
package client
