// Command dchat-node runs a single replica of the consensus-backed chat
// service: a raft.Node, its durable ChatState, the TCP peer transport and
// listener, and the HTTP request gateway, wired together the way the
// teacher's cmd/server/main.go wires its own node/transport/HTTP triple.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/A00N/distr-systems-d-chat/pkg/cluster"
	"github.com/A00N/distr-systems-d-chat/pkg/gateway"
	"github.com/A00N/distr-systems-d-chat/pkg/raft"
	"github.com/A00N/distr-systems-d-chat/pkg/statemachine"
	"github.com/A00N/distr-systems-d-chat/pkg/transport"
)

func main() {
	var (
		id         = flag.String("id", "", "this node's id, e.g. node0")
		raftAddr   = flag.String("raft-addr", "127.0.0.1:9100", "address this node's raft transport listens on")
		httpAddr   = flag.String("http-addr", "127.0.0.1:9000", "address the HTTP gateway listens on")
		peersFlag  = flag.String("peers", "", "comma-separated id=raft-addr pairs for static peer discovery, e.g. node1=127.0.0.1:9101,node2=127.0.0.1:9102")
		httpMapFlag = flag.String("http-peers", "", "comma-separated id=http-addr pairs used for the gateway's Location header policy")
		stateDir   = flag.String("state-dir", "", "directory for persisted term/vote state and the durable chat log")
		publicHost = flag.String("public-host", "", "public hostname used for the Location header in cloud deployments")
		publicScheme = flag.String("public-scheme", "https", "scheme used alongside -public-host")
	)
	flag.Parse()

	if *id == "" {
		fmt.Fprintln(os.Stderr, "dchat-node: -id is required")
		os.Exit(1)
	}

	logger := log.New(os.Stdout, fmt.Sprintf("%s: ", *id), log.LstdFlags)

	peerAddrs, httpAddrs := parsePeerMaps(*peersFlag, *httpMapFlag)

	provider, err := cluster.FromEnv(peerAddrs)
	if err != nil {
		logger.Fatalf("building peer directory: %v", err)
	}

	var chatLogPath string
	if *stateDir != "" {
		chatLogPath = fmt.Sprintf("%s/%s.chat.log", *stateDir, *id)
	}
	chatState := statemachine.NewChatState(chatLogPath, logger)

	tr := transport.NewTCP()

	cfg := raft.DefaultConfig(*id)
	cfg.StateDir = *stateDir
	node, err := raft.NewNode(cfg, tr, provider, chatState, logger)
	if err != nil {
		logger.Fatalf("constructing node: %v", err)
	}

	listener := transport.NewListener(*raftAddr, node, logger)
	go func() {
		if err := listener.Serve(); err != nil {
			logger.Printf("raft listener stopped: %v", err)
		}
	}()

	node.Start()

	gw := gateway.New(*id, node, chatState, logger)
	gw.PublicHost = *publicHost
	gw.PublicScheme = *publicScheme
	gw.NodeHTTPAddrs = httpAddrs

	httpServer := &http.Server{Addr: *httpAddr, Handler: gw}
	go func() {
		logger.Printf("http gateway listening on %s", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Printf("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	listener.Close()
	node.Stop()
}

// parsePeerMaps parses "-peers"/"-http-peers" flags of the form
// "id=addr,id=addr" into a raft-address slice (for the static peer
// directory) and an id -> http-address map (for the gateway's Location
// header policy), matching the original's LOCAL_LEADER_HTTP_PORTS dev map.
func parsePeerMaps(peersFlag, httpMapFlag string) ([]string, map[string]string) {
	var raftAddrs []string
	for _, pair := range strings.Split(peersFlag, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		raftAddrs = append(raftAddrs, parts[1])
	}

	httpAddrs := map[string]string{}
	for _, pair := range strings.Split(httpMapFlag, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		httpAddrs[parts[0]] = parts[1]
	}

	return raftAddrs, httpAddrs
}
