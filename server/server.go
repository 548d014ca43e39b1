// Package server assembles the daemon's HTTP surface: the IPC API, the
// status page and the middleware stack around them.
package server

import (
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/umpbridge/umpd-go/core"
	"github.com/umpbridge/umpd-go/memorywriter"
	"github.com/umpbridge/umpd-go/server/api"
	"github.com/umpbridge/umpd-go/server/status"
)

// DefaultAddr binds loopback only; the daemon brokers local clients, never
// the network.
const DefaultAddr = "127.0.0.1:21837"

type Server struct {
	http *http.Server
	core *core.Core

	logger *memorywriter.MemoryWriter
}

// New wires the API and status routes over the controller. accessWriter
// receives Apache-format request logs.
func New(c *core.Core, addr string, accessWriter io.Writer, shortWriter, longWriter *memorywriter.MemoryWriter, version string) (*Server, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		http:   &http.Server{Addr: addr},
		core:   c,
		logger: longWriter,
	}

	r := mux.NewRouter()
	if err := api.ServeAPI(r.PathPrefix("/").Subrouter(), c, version, longWriter); err != nil {
		return nil, err
	}
	status.ServeStatus(r.PathPrefix("/status").Subrouter(), shortWriter, longWriter, version)

	var h http.Handler = r
	// Log after the request is done, in the Apache format.
	h = handlers.LoggingHandler(accessWriter, h)
	// Log when the request is received.
	h = s.logRequest(h)
	s.http.Handler = h

	return s, nil
}

func (s *Server) logRequest(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Log(r.Method + " " + r.URL.Path)
		handler.ServeHTTP(w, r)
	})
}

// Run serves until Close.
func (s *Server) Run() error {
	return s.http.ListenAndServe()
}

// Close shuts the listener down.
func (s *Server) Close() error {
	return s.http.Close()
}
