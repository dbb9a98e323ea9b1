package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Nash0810/tcpbalance/internal/logging"
)

func main() {
	// Get port from command line or use default
	port := "9001"
	if len(os.Args) > 1 {
		port = os.Args[1]
	}

	logger := logging.NewLogger("testserver").With("port", port)
	defer logger.Sync()

	ln, err := net.Listen("tcp", ":"+port)
	if err != nil {
		logger.Error("listen_failed", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("echo_server_listening", "addr", ln.Addr().String())

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Info("echo_server_stopped")
				return
			}
			logger.Warn("accept_error", "error", err.Error())
			continue
		}
		go serve(conn, port, logger)
	}
}

// serve greets the client with the port, then echoes until the client hangs up
func serve(conn net.Conn, port string, logger *logging.Logger) {
	defer conn.Close()

	client := conn.RemoteAddr().String()
	logger.Debug("client_connected", "client", client)

	fmt.Fprintf(conn, "hello from backend %s\n", port)
	n, err := io.Copy(conn, conn)
	if err != nil {
		logger.Warn("echo_error", "client", client, "error", err.Error())
	}
	logger.Debug("client_disconnected", "client", client, "bytes", n)
}
