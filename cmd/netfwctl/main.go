// netfwctl is the command-line client for netfwd.
//
// It talks to the netfwd gRPC API. Run it with a command for one-shot use
// or with "shell" for an interactive prompt.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/psaab/netfw/pkg/cmdtree"
	"github.com/psaab/netfw/pkg/grpcapi"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "netfwd gRPC address")
	apiKey := flag.String("api-key", os.Getenv("NETFW_API_KEY"), "API key (default $NETFW_API_KEY)")
	timeout := flag.Duration("timeout", 10*time.Second, "per-command timeout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: netfwctl [flags] <command> [args]\n\n")
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr)
		cmdtree.WriteUsage(os.Stderr, cmdtree.Tree)
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	client, err := grpcapi.Dial(*addr, *apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netfwctl: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	c := &ctl{client: client, out: os.Stdout, timeout: *timeout}

	if flag.Arg(0) == "shell" {
		if err := c.shell(*addr); err != nil {
			fmt.Fprintf(os.Stderr, "netfwctl: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := c.dispatch(flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "netfwctl: %v\n", err)
		os.Exit(1)
	}
}

var errExit = errors.New("exit")

func (c *ctl) shell(addr string) error {
	// Verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	st, err := c.client.Status(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("cannot reach netfwd at %s: %w", addr, err)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "netfw> ",
		HistoryFile:     "/tmp/netfwctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    treeCompleter{},
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()
	c.out = rl.Stdout()

	fmt.Fprintf(c.out, "netfwctl: connected to netfwd (uptime: %s)\n", st.Uptime)
	fmt.Fprintln(c.out, "Type 'help' for commands")

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if strings.HasSuffix(line, "?") {
			c.showContextHelp(strings.TrimSuffix(line, "?"))
			continue
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if err := c.dispatch(args); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
		}
	}
}

// treeCompleter completes from the command tree.
type treeCompleter struct{}

func (treeCompleter) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])
	words := strings.Fields(text)
	trailingSpace := len(text) > 0 && text[len(text)-1] == ' '
	var partial string
	if !trailingSpace && len(words) > 0 {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}

	candidates := cmdtree.CompleteFromTree(cmdtree.Tree, words, partial)
	if len(candidates) > 1 {
		// Complete up to the shared prefix first.
		if p := cmdtree.CommonPrefix(candidates); len(p) > len(partial) {
			return [][]rune{[]rune(p[len(partial):])}, len(partial)
		}
	}
	var result [][]rune
	for _, c := range candidates {
		result = append(result, []rune(c[len(partial):]+" "))
	}
	return result, len(partial)
}

// showContextHelp lists what may follow prefix.
func (c *ctl) showContextHelp(prefix string) {
	words := strings.Fields(prefix)
	var partial string
	if prefix != "" && !strings.HasSuffix(prefix, " ") && len(words) > 0 {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	candidates := cmdtree.CompleteFromTreeWithDesc(cmdtree.Tree, words, partial)
	if len(candidates) == 0 {
		fmt.Fprintln(c.out, "  (no help available)")
		return
	}
	cmdtree.WriteHelp(c.out, candidates)
}
