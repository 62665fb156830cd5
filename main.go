// Command tapmesh runs one peer-to-peer VPN endpoint: it opens a tap
// device, registers with a rendezvous server, and brings up direct or
// relayed tunnels to whichever peers the server announces.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"tapmesh/cfg"
	"tapmesh/endpoint"
	"tapmesh/flags"
	"tapmesh/logging"
	"tapmesh/rendezvous"
	"tapmesh/tapdev"
)

const (
	exitSetupSuccess = 0
	exitSetupFailed  = 1
)

// versionString is the only thing --version prints; bumped by hand, not
// by a build-time linker flag, since this repo has no release pipeline.
const versionString = "0.1.0"

func main() {
	opts := flags.NewOptions()
	if err := flags.Parse(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitSetupFailed)
	}
	if opts.ShowVersion {
		fmt.Printf("tapmesh v%s (%s/%s)\n", versionString, runtime.GOOS, runtime.GOARCH)
		return
	}

	config, err := cfg.Load(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitSetupFailed)
	}

	log := logging.New(config.LogLevel, fmt.Sprintf("(%s) ", opts.InterfaceName))
	logging.LogCPUFeatures(log)

	tap, err := tapdev.CreateTAP(opts.InterfaceName)
	if err != nil {
		log.Errorf("failed to create tap device: %v", err)
		os.Exit(exitSetupFailed)
	}

	var server rendezvous.Client
	if config.TLS != nil {
		server, err = rendezvous.DialTLS(config.ServerAddr, config.TLS)
	} else {
		server, err = rendezvous.Dial(config.ServerAddr)
	}
	if err != nil {
		log.Errorf("failed to dial rendezvous server %s: %v", config.ServerAddr, err)
		tap.Close()
		os.Exit(exitSetupFailed)
	}

	if name, err := tap.Name(); err == nil {
		log.Infof("tap device %s up", name)
	}

	ep := endpoint.New(config.Endpoint, log)

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, os.Interrupt)

	runErr := make(chan error, 1)
	go func() { runErr <- ep.Run(server, tap) }()

	var exitCode int
	select {
	case <-term:
		log.Infof("received signal, shutting down")
		ep.Close()
		<-runErr
	case err := <-runErr:
		if err != nil {
			log.Errorf("endpoint exited: %v", err)
			exitCode = exitSetupFailed
		}
	}

	server.Close()
	tap.Close()

	if exitCode == exitSetupSuccess {
		log.Infof("shut down cleanly")
	}
	os.Exit(exitCode)
}
