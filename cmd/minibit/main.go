// Command minibit runs either a swarm tracker or a peer.
//
//	minibit tracker --host 0.0.0.0 --port 7000
//	minibit peer --tracker-host 127.0.0.1 --tracker-port 7000 --listen-port 7001 --file-path ./movie.mkv
//	minibit peer --tracker-host 127.0.0.1 --tracker-port 7000 --listen-port 7002 --file-name movie.mkv
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/magnobeto/minibit"
	"github.com/magnobeto/minibit/internal/logger"
	"github.com/magnobeto/minibit/peer"
	"github.com/magnobeto/minibit/tracker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "tracker":
		err = runTracker(os.Args[2:])
	case "peer":
		err = runPeer(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "minibit:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: minibit tracker|peer [flags]")
}

func runTracker(args []string) error {
	fs := flag.NewFlagSet("tracker", flag.ExitOnError)
	host := fs.String("host", "0.0.0.0", "address to listen on")
	port := fs.Int("port", 7000, "port to listen on")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Parse(args)
	logger.SetDebug(*debug)

	t, err := tracker.New(net.JoinHostPort(*host, strconv.Itoa(*port)))
	if err != nil {
		return err
	}
	go func() {
		waitForInterrupt()
		t.Close()
	}()
	t.Run()
	return nil
}

func runPeer(args []string) error {
	fs := flag.NewFlagSet("peer", flag.ExitOnError)
	trackerHost := fs.String("tracker-host", "127.0.0.1", "tracker address")
	trackerPort := fs.Int("tracker-port", 7000, "tracker port")
	listenPort := fs.Int("listen-port", 0, "port for inbound peer connections")
	filePath := fs.String("file-path", "", "path of a file to seed")
	fileName := fs.String("file-name", "", "name of a file to download")
	blockSize := fs.Int("block-size", 0, "block size in bytes (overrides config)")
	configPath := fs.String("config", "minibit.yaml", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Parse(args)
	logger.SetDebug(*debug)

	if (*filePath == "") == (*fileName == "") {
		return fmt.Errorf("exactly one of --file-path or --file-name is required")
	}

	cfg, err := minibit.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *blockSize > 0 {
		cfg.BlockSize = *blockSize
	}

	trackerAddr := net.JoinHostPort(*trackerHost, strconv.Itoa(*trackerPort))
	p, err := peer.New(*cfg, trackerAddr, *listenPort)
	if err != nil {
		return err
	}
	if *filePath != "" {
		err = p.ShareFile(*filePath)
	} else {
		err = p.DownloadFile(*fileName)
	}
	if err != nil {
		return err
	}

	waitForInterrupt()
	p.Close()
	return nil
}

func waitForInterrupt() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}
