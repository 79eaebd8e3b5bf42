package rest

import "github.com/koatty/serve/internal/server"

// Registry is the server set the monitoring API reports on. The supervisor
// satisfies it; tests can substitute a smaller set without standing up
// every protocol.
type Registry interface {
	// Servers returns the children in configuration order.
	Servers() []*server.Base

	// ServerByID resolves one server by its generated id.
	ServerByID(id string) (*server.Base, bool)
}
