// Package repository reads and writes the back office MySQL schema.
package repository

import "errors"

// ErrConflict is returned when a write cannot be performed because of
// conflicting state, such as reserving a seat that is already reserved.
var ErrConflict = errors.New("conflict")
