// Package jsonstore implements the persistent JSON store backing the
// export registry and the transaction log: a single document per file,
// atomically replaced on save via write-then-rename.
package jsonstore
