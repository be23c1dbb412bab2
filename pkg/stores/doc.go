// Package stores provides the persistence layer for flightdeck. SQLStore
// keeps flights, step logs, workspaces, cloud contexts, resources and the
// activity log in SQLite or Postgres with embedded migrations. MemoryStore
// implements the same interfaces in process; it backs tests and the memory
// database driver.
package stores
