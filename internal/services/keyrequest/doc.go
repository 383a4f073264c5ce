// Package keyrequest tracks requests for room keys and fulfils them from the
// group sessions this device holds.
//
// Open requests are mirrored in an in-memory index so pending lookups do not
// touch the database. The index is rebuilt with LoadPending at start-up and
// trimmed by the periodic sweep.
package keyrequest
