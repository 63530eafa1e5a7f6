// Package storage provides the persistent key-value store the client keeps
// its credential and listing cache in.
package storage

import "errors"

// ErrClosed is returned by a store used after Close.
var ErrClosed = errors.New("storage: store is closed")

// Store is a string key-value store. Get reports ok=false for absent keys.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}
