// Command relay runs the multi-agent orchestration runtime.
//
// The worker subcommand hosts the turn workflow on Temporal and serves a
// health endpoint. The turn, chat, approve, cancel and status subcommands
// drive sessions, watch and log print their events. With the in-memory
// engine, turn and chat run the workflow in process.
//
// Configuration is read from the file given by --config and from RELAY_
// prefixed environment variables:
//
//	RELAY_ENGINE          - inmem or temporal (default: inmem)
//	RELAY_AGENTS          - agent definition file (default: agents.yaml)
//	RELAY_MODEL_PROVIDER  - openai, anthropic or bedrock (default: openai)
//	RELAY_MODEL_NAME      - provider model identifier
//	RELAY_MODEL_API_KEY   - provider API key
//	RELAY_SESSION_STORE   - memory, redis, mongo or badger (default: memory)
//	RELAY_APPROVAL_STORE  - memory or redis (default: memory)
//	RELAY_STREAM_BACKEND  - none or pulse (default: none)
//	RELAY_STREAM_JOURNAL  - none or mongo (default: none)
//	RELAY_REDIS_ADDR      - Redis address (default: localhost:6379)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
