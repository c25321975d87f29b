// Command peer runs one node of the chunk-transfer network: it loads a
// roster and a chunk store, then serves WHOHAS/GET requests from other
// peers while driving whatever downloads arrive on its command stream.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"

	"github.com/dannyzb/p2pchunk"
	"github.com/dannyzb/p2pchunk/chunkstore"
	"github.com/dannyzb/p2pchunk/transport"
	"github.com/dannyzb/p2pchunk/version"
)

type args struct {
	Index       int    `arg:"-i,required" help:"this peer's roster index"`
	RosterPath  string `arg:"-p" default:"nodes.map" help:"path to the peer roster file"`
	StorePath   string `arg:"-c,required" help:"path to this peer's chunk store"`
	MaxConn     int    `arg:"-m,required" help:"maximum simultaneous uploads admitted"`
	Verbosity   int    `arg:"-v" default:"0" help:"log verbosity, 0-3"`
	FixedTimeout int   `arg:"-t" default:"0" help:"fixed retransmit timeout in seconds, 0 for RTT-based"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var a args
	arg.MustParse(&a)

	logger := log.Default.WithNames(version.ClientVersion).WithFilterLevel(levelFor(a.Verbosity))

	entries, err := chunkstore.LoadRoster(a.RosterPath)
	if err != nil {
		logger.Levelf(log.Error, "loading roster: %v", err)
		return 1
	}

	roster := make(map[p2pchunk.RosterIndex]*net.UDPAddr, len(entries))
	var selfEntry *chunkstore.RosterEntry
	for i := range entries {
		e := entries[i]
		addr, err := transport.ResolvePeer(e.Host, e.Port)
		if err != nil {
			logger.Levelf(log.Error, "resolving roster entry %d: %v", e.Index, err)
			return 1
		}
		roster[p2pchunk.RosterIndex(e.Index)] = addr
		if e.Index == a.Index {
			selfEntry = &e
		}
	}
	if selfEntry == nil {
		logger.Levelf(log.Error, "roster has no entry for index %d", a.Index)
		return 1
	}

	store, err := chunkstore.Open(chunkstore.NewFileBackend(a.StorePath))
	if err != nil {
		logger.Levelf(log.Error, "opening chunk store: %v", err)
		return 1
	}

	endpoint, err := transport.Listen(selfEntry.Port)
	if err != nil {
		logger.Levelf(log.Error, "binding udp socket: %v", err)
		return 1
	}
	defer endpoint.Close()

	cfg := p2pchunk.Config{
		SelfIndex: a.Index,
		MaxConn:   a.MaxConn,
		Verbosity: a.Verbosity,
	}
	if a.FixedTimeout > 0 {
		cfg.FixedTimeout = g.Some(time.Duration(a.FixedTimeout) * time.Second)
	}

	d := p2pchunk.NewDispatcher(cfg, p2pchunk.RosterIndex(a.Index), roster, store, endpoint, logger)
	d.CompletionSink = func(line string) {
		fmt.Println(line)
	}

	lines := make(chan string)
	go readCommandLines(os.Stdin, lines)
	d.RunReaders(lines)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		d.Close()
	}()

	logger.Levelf(log.Info, "peer %d listening on %v", a.Index, endpoint.LocalAddr())
	d.Run()

	if err := store.Flush(); err != nil {
		logger.Levelf(log.Error, "flushing chunk store: %v", err)
		return 1
	}
	return 0
}

func readCommandLines(f *os.File, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func levelFor(verbosity int) log.Level {
	switch {
	case verbosity <= 0:
		return log.Warning
	case verbosity == 1:
		return log.Info
	case verbosity == 2:
		return log.Debug
	default:
		return log.Debug
	}
}
