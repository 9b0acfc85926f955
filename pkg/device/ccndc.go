package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Verb is the forwarding-table operation carried by an Op.
type Verb string

const (
	VerbAdd    Verb = "add"
	VerbDelete Verb = "del"
)

// Op is one forwarding-table change on Host: traffic for Prefix goes (or no
// longer goes) to NextHop.
type Op struct {
	ID        string
	Verb      Verb
	Host      string
	Prefix    string
	NextHop   string
	Balancing int
}

func AddOp(host, prefix, nextHop string, balancing int) Op {
	return Op{Verb: VerbAdd, Host: host, Prefix: prefix, NextHop: nextHop, Balancing: balancing}
}

func DeleteOp(host, prefix, nextHop string) Op {
	return Op{Verb: VerbDelete, Host: host, Prefix: prefix, NextHop: nextHop}
}

func (o Op) String() string {
	return fmt.Sprintf("%s %s %s via %s", o.Host, o.Verb, o.Prefix, o.NextHop)
}

// CommandSet renders ccndc invocations for the CCNx daemon.
type CommandSet struct {
	Binary    string
	Transport string
	Port      int
}

// DefaultCommands matches the stock ccnx-0.8.2 install on router images.
func DefaultCommands() CommandSet {
	return CommandSet{
		Binary:    "/home/centos/ccnx-0.8.2/bin/ccndc",
		Transport: "tcp",
		Port:      9695,
	}
}

// Render returns the shell commands for op in execution order. An add with
// balancing > 0 also switches the prefix to the load-sharing strategy.
func (c CommandSet) Render(op Op) []string {
	face := strings.Join([]string{op.Prefix, c.Transport, op.NextHop, strconv.Itoa(c.Port)}, " ")
	switch op.Verb {
	case VerbAdd:
		cmds := []string{fmt.Sprintf("%s add %s", c.Binary, face)}
		if op.Balancing > 0 {
			cmds = append(cmds, fmt.Sprintf("%s setstrategy %s loadsharing", c.Binary, op.Prefix))
		}
		return cmds
	case VerbDelete:
		return []string{fmt.Sprintf("%s del %s", c.Binary, face)}
	}
	return nil
}
