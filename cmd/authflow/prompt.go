package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrEthical07/authflow"
)

var errNoInput = errors.New("no input")

type prompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

// ask prints label and returns the trimmed answer.
func (p *prompter) ask(label string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s: ", label)
	line, err := p.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", errNoInput
	}
	return strings.TrimSpace(line), nil
}

// require asks until the answer is non-empty.
func (p *prompter) require(label string) (string, error) {
	for {
		v, err := p.ask(label)
		if err != nil || v != "" {
			return v, err
		}
	}
}

// Confirm implements authflow.Confirmer.
func (p *prompter) Confirm(_ context.Context, action string) bool {
	q := "Log out of this device?"
	if action == authflow.ActionLogoutAll {
		q = "Log out of every device?"
	}
	v, err := p.ask(q + " [y/N]")
	if err != nil {
		return false
	}
	v = strings.ToLower(v)
	return v == "y" || v == "yes"
}

// printSink shows notifications on the terminal.
type printSink struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *printSink) Emit(_ context.Context, e authflow.Event) {
	var line string
	switch e.Type {
	case authflow.EventNotifySuccess, authflow.EventWelcome:
		line = e.Message
	case authflow.EventNotifyError:
		line = "error: " + e.Message
	default:
		return
	}
	if line == "" {
		return
	}
	s.mu.Lock()
	fmt.Fprintln(s.out, line)
	s.mu.Unlock()
}
