// Package console is the interactive terminal front end. A manager sees the
// membership table redrawn on every change and can wake sleeping hosts; a
// participant is told when it joins a group and can leave it.
//
// The console follows the node's current role, so a participant promoted by
// an election starts showing the table without a restart.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/dreamware/wakeonlan/internal/cluster"
	"github.com/dreamware/wakeonlan/internal/coordinator"
)

// Node is the part of coordinator.Node the console drives.
type Node interface {
	Role() cluster.Role
	Leave() error
	WakeUp(hostname string) (cluster.Participant, error)
}

// Table is the blocking view of the membership table.
type Table interface {
	GetParticipantsInterface(ctx context.Context) ([]cluster.Participant, error)
	GetManager() (cluster.Participant, bool)
}

const (
	clearScreen = "\033[2J\033[H"
	reset       = "\033[0m"
	prompt      = ">> "
)

var statusColor = map[cluster.Status]string{
	cluster.StatusAwaken:   "\033[92m",
	cluster.StatusSleeping: "\033[91m",
	cluster.StatusUnknown:  "\033[93m",
	cluster.StatusManager:  "\033[96m",
}

// Console reads commands from in and writes the table and replies to out.
type Console struct {
	node  Node
	table Table
	in    io.Reader
	out   io.Writer
	log   *zap.Logger

	// Color enables ANSI colours and full-screen redraws. Set it only when
	// out is a terminal.
	Color bool

	mu        sync.Mutex // serializes writes to out
	connected bool
}

// New creates a console. Nothing is read or written until Run.
func New(node Node, table Table, in io.Reader, out io.Writer, log *zap.Logger) *Console {
	if log == nil {
		log = zap.NewNop()
	}
	return &Console{node: node, table: table, in: in, out: out, log: log.Named("console")}
}

// Run serves the console until ctx ends, the input is exhausted or a
// participant leaves with "exit". The last two are a request to shut the
// process down; Run returns nil for them and ctx.Err() otherwise.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.display(ctx)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("%s", prompt)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				c.log.Info("input closed")
				return nil
			}
			reply, quit := c.Execute(line)
			if reply != "" {
				c.printf("%s\n", reply)
			}
			if quit {
				return nil
			}
			c.printf("%s", prompt)
		}
	}
}

// Execute runs one command line and returns the reply. quit is true when
// the command ends the session.
//
// Commands (case-insensitive):
//
//	manager:     wakeup <hostname>
//	participant: exit
func (c *Console) Execute(line string) (reply string, quit bool) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return "", false
	}
	cmd := strings.ToLower(args[0])

	if c.node.Role() == cluster.RoleManager {
		if cmd != "wakeup" {
			return "Available commands: WAKEUP <hostname>", false
		}
		if len(args) != 2 {
			return "Correct usage: WAKEUP <hostname>", false
		}
		return c.wakeUp(args[1]), false
	}

	if cmd != "exit" {
		return "Available commands: EXIT", false
	}
	if len(args) != 1 {
		return "Correct usage: EXIT", false
	}
	return c.exit(), true
}

func (c *Console) wakeUp(hostname string) string {
	p, err := c.node.WakeUp(hostname)
	switch {
	case errors.Is(err, coordinator.ErrUnknownHost):
		return hostname + " not found."
	case errors.Is(err, coordinator.ErrAlreadyAwake):
		return hostname + " already awake."
	case err != nil:
		c.log.Warn("wake up failed", zap.String("hostname", hostname), zap.Error(err))
		return fmt.Sprintf("Could not wake up %s: %v", hostname, err)
	}
	return fmt.Sprintf("Waking up %s @ %s.", p.Hostname, p.MAC)
}

func (c *Console) exit() string {
	mgr, _ := c.table.GetManager()
	if err := c.node.Leave(); err != nil {
		c.log.Warn("leave failed", zap.Error(err))
		return fmt.Sprintf("Could not leave: %v", err)
	}
	if mgr.Hostname == "" {
		return "Sending exit message to manager."
	}
	return fmt.Sprintf("Sending exit message to manager %s @ %s", mgr.Hostname, mgr.IP)
}

// display redraws on every table change until ctx ends.
func (c *Console) display(ctx context.Context) {
	for {
		snap, err := c.table.GetParticipantsInterface(ctx)
		if err != nil {
			return
		}
		if c.node.Role() == cluster.RoleManager {
			c.mu.Lock()
			c.connected = false
			if c.Color {
				io.WriteString(c.out, clearScreen)
			}
			c.render(snap)
			io.WriteString(c.out, prompt)
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		if !c.connected && len(snap) > 0 {
			c.connected = true
			if c.Color {
				io.WriteString(c.out, clearScreen)
			}
			io.WriteString(c.out, "You are connected.\n"+prompt)
		}
		c.mu.Unlock()
	}
}

// render writes the table. The caller holds c.mu.
func (c *Console) render(snap []cluster.Participant) {
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOSTNAME\tIP ADDRESS\tMAC ADDRESS\tSTATUS")
	for _, p := range snap {
		status := p.Status.String()
		if c.Color {
			status = statusColor[p.Status] + status + reset
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Hostname, p.IP, p.MAC, status)
	}
	w.Flush()
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
