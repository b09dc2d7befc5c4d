package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zde37/kadnode/internal/kademlia"
)

// keyValueStore is what the REPL needs from a node.
type keyValueStore interface {
	Put(ctx context.Context, key, value []byte) (int, error)
	Get(ctx context.Context, key []byte) ([]byte, error)
}

const replHelp = "commands: store <key> <value> | get <key> | quit"

// runREPL executes one command per input line until EOF, quit or ctx ends.
func runREPL(ctx context.Context, kv keyValueStore, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, replHelp)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "store", "put":
			if len(fields) < 3 {
				fmt.Fprintln(out, "usage: store <key> <value>")
				continue
			}
			value := strings.Join(fields[2:], " ")
			replicas, err := kv.Put(ctx, []byte(fields[1]), []byte(value))
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "stored %q on %d peers\n", fields[1], replicas)

		case "get":
			if len(fields) != 2 {
				fmt.Fprintln(out, "usage: get <key>")
				continue
			}
			value, err := kv.Get(ctx, []byte(fields[1]))
			switch {
			case errors.Is(err, kademlia.ErrNotFound):
				fmt.Fprintf(out, "%q not found\n", fields[1])
			case err != nil:
				fmt.Fprintf(out, "error: %v\n", err)
			default:
				fmt.Fprintf(out, "%s\n", value)
			}

		case "quit", "exit":
			return

		default:
			fmt.Fprintln(out, replHelp)
		}
	}
}
