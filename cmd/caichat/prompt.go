package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/omochice/cai-socket/internal/client"
)

// promptLoop feeds each non-empty input line to handle until quit, exit or EOF.
func promptLoop(ctx context.Context, in io.Reader, out io.Writer, handle func(ctx context.Context, line string) (*client.Reply, error)) error {
	fmt.Fprintln(out, "Type your messages (or 'quit' to exit):")

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "quit" || text == "exit" {
			return nil
		}

		reply, err := handle(ctx, text)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		printReply(out, reply)
	}
	return scanner.Err()
}

func printReply(out io.Writer, reply *client.Reply) {
	t := reply.Turn()
	if t == nil {
		return
	}
	name := "?"
	if t.Author != nil {
		name = t.Author.Name
	}
	fmt.Fprintf(out, "[%s]: %s\n", name, reply.Text())
}
