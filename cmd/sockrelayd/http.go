package main

import (
	"context"
	"net"
	"net/http"
)

// startHTTP serves h at addr in the background and returns a shutdown func.
func startHTTP(addr string, h http.Handler) (func(context.Context) error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Handler: mux}
	go func() {
		_ = srv.Serve(ln)
	}()
	return srv.Shutdown, nil
}
