// Package store groups the persistence backends. Each backend
// implements the root Store interface: mongo is the production
// document-store backend, memory backs unit tests and development.
package store
