package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"gitlab.com/texpen/fetchcore/api"
	"gitlab.com/texpen/fetchcore/modules"
	"gitlab.com/texpen/fetchcore/scheduler"
)

// Server wraps a Scheduler and the HTTP listener that exposes it.
type Server struct {
	scheduler *scheduler.Scheduler
	listener  net.Listener
	httpSrv   *http.Server
}

// NewServer opens a Scheduler rooted at persistDir and binds apiAddr. It does
// not start serving until Serve is called.
func NewServer(persistDir, apiAddr string, cfg modules.Config) (*Server, error) {
	if err := os.MkdirAll(persistDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create persist dir: %w", err)
	}

	s, err := scheduler.New(persistDir, cfg, nil)
	if err != nil {
		return nil, err
	}

	l, err := net.Listen("tcp", apiAddr)
	if err != nil {
		s.Close()
		return nil, err
	}

	a := api.New(s)

	return &Server{
		scheduler: s,
		listener:  l,
		httpSrv: &http.Server{
			Handler: a.Handler,

			// Generous timeouts: acquisitions are long-running by nature, and
			// the handler itself streams progress frames for as long as the
			// underlying job runs.
			ReadTimeout:       time.Minute,
			ReadHeaderTimeout: time.Minute,
			IdleTimeout:       time.Minute * 5,
		},
	}, nil
}

// Serve listens for API calls until a stop signal is caught or Close is
// called. It is a blocking call.
func (srv *Server) Serve() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, os.Kill)
	defer signal.Reset(os.Interrupt, os.Kill)
	go func() {
		<-sigChan
		fmt.Println("\rCaught stop signal, quitting...")
		srv.listener.Close()
	}()

	err := srv.httpSrv.Serve(srv.listener)
	if err != nil && !strings.HasSuffix(err.Error(), "use of closed network connection") {
		srv.scheduler.Close()
		return err
	}
	return srv.scheduler.Close()
}

// Close closes the listener, causing Serve to return.
func (srv *Server) Close() error {
	return srv.listener.Close()
}
