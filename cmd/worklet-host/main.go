// worklet-host serves the scripted bidders, sellers and interest group store
// of a scenario to remote auction runners over vsock or TCP.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cloudx-io/protectedauction/scenario"
	"github.com/cloudx-io/protectedauction/workletrpc"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("ERROR: %v", err)
	}
}

func run() error {
	var (
		scenarioPath string
		listenAddr   string
		vsockPort    uint32
	)
	flagSet := pflag.NewFlagSet("worklet-host", pflag.ContinueOnError)
	flagSet.StringVar(&scenarioPath, "scenario", "", "scenario YAML file whose participants are served (required)")
	flagSet.StringVar(&listenAddr, "listen", "", "TCP address to listen on instead of vsock (e.g. 127.0.0.1:5000)")
	flagSet.Uint32Var(&vsockPort, "vsock-port", 5000, "vsock port to listen on")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if scenarioPath == "" {
		return fmt.Errorf("--scenario is required")
	}

	s, err := scenario.Load(scenarioPath)
	if err != nil {
		return err
	}
	maxWorkers, err := getRequiredEnvInt("WORKLET_MAX_WORKERS")
	if err != nil {
		return fmt.Errorf("failed to get max workers config: %w", err)
	}

	var listener net.Listener
	if listenAddr != "" {
		listener, err = net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("failed to create tcp listener: %w", err)
		}
		log.Printf("INFO: Worklet host listening on tcp %s", listener.Addr())
	} else {
		listener, err = workletrpc.ListenVsock(vsockPort)
		if err != nil {
			return err
		}
		log.Printf("INFO: Worklet host listening on vsock port %d", vsockPort)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := s.Collaborators()
	server := workletrpc.NewServer(c, c, c, maxWorkers)
	defer server.Close()
	log.Printf("INFO: Serving scenario %q", s.Name)
	return server.Serve(ctx, listener)
}

// Helper function for required environment variable parsing
func getRequiredEnvInt(key string) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, fmt.Errorf("required environment variable %s is not set", key)
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %s (must be a valid integer)", key, value)
	}

	log.Printf("INFO: Using %s=%d from environment", key, intValue)
	return intValue, nil
}
