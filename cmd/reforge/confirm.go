package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/sternelee/reforge-sub005/pkg/policy"
)

// confirmer answers Confirm prompts published by a policy gate.
type confirmer struct {
	interactive bool
	in          *bufio.Reader
	out         io.Writer
}

// newConfirmer reads answers from in when it is a terminal. Otherwise every
// prompt is denied.
func newConfirmer(in *os.File, out io.Writer) *confirmer {
	return &confirmer{
		interactive: in != nil && term.IsTerminal(int(in.Fd())),
		in:          bufio.NewReader(in),
		out:         out,
	}
}

// serve resolves every request from gate until ctx is done.
func (c *confirmer) serve(ctx context.Context, gate *policy.Gate) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-gate.Requests():
			p.Resolve(c.decide(p.Operation))
		}
	}
}

// decide asks about op. "a" allows op and every later operation on the same
// subject for the rest of the session.
func (c *confirmer) decide(op policy.Operation) policy.Decision {
	if !c.interactive {
		fmt.Fprintf(c.out, "denied %s: confirmation needs a terminal\n", op)
		return policy.Decision{}
	}
	for {
		fmt.Fprintf(c.out, "Allow %s? [y]es / [n]o / [a]lways: ", op)
		line, err := c.in.ReadString('\n')
		if d, ok := parseAnswer(line); ok {
			return d
		}
		if err != nil {
			fmt.Fprintln(c.out)
			return policy.Decision{}
		}
	}
}

func parseAnswer(s string) (policy.Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return policy.Decision{Allow: true}, true
	case "a", "always":
		return policy.Decision{Allow: true, Remember: true}, true
	case "n", "no", "":
		return policy.Decision{}, true
	}
	return policy.Decision{}, false
}
