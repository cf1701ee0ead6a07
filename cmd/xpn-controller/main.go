// Command xpn-controller sends one controller-channel action to a
// running xpn-server's membership listener and exits with the action's
// return code (spec.md §6: "CLI surface (controller only)").
//
// Per §1's non-goal ("CLI parsing and shell bootstrap for the
// controller" is an external collaborator), this uses only the standard
// library flag package.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/dariomnz/xpn/internal/membership"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <addr> <action> [--await] [--server-cores N] [--debug] [--hostlist h1,h2,...]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "actions: stop start_servers stop_servers ping_servers expand_new expand_change shrink_new shrink_change\n")
}

func parseAction(s string) (membership.Action, bool) {
	switch strings.ToLower(s) {
	case "stop":
		return membership.ActionStop, true
	case "start_servers":
		return membership.ActionStartServers, true
	case "stop_servers":
		return membership.ActionStopServers, true
	case "ping_servers":
		return membership.ActionPingServers, true
	case "expand_new":
		return membership.ActionExpandNew, true
	case "expand_change":
		return membership.ActionExpandChange, true
	case "shrink_new":
		return membership.ActionShrinkNew, true
	case "shrink_change":
		return membership.ActionShrinkChange, true
	default:
		return 0, false
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 2 {
		usage()
		return 22 // EINVAL
	}
	addr, actionArg := args[0], args[1]
	action, ok := parseAction(actionArg)
	if !ok {
		fmt.Fprintf(os.Stderr, "xpn-controller: unknown action %q\n", actionArg)
		usage()
		return 22
	}

	fs := flag.NewFlagSet("xpn-controller", flag.ExitOnError)
	await := fs.Bool("await", false, "wait for the action to complete before returning")
	serverCores := fs.Int("server-cores", 0, "cores to reserve per server (start_servers only)")
	debug := fs.Bool("debug", false, "enable verbose server-side logging (start_servers only)")
	hostlist := fs.String("hostlist", "", "comma-separated host list (expand/shrink actions only)")
	if err := fs.Parse(args[2:]); err != nil {
		return 22
	}

	var hosts []string
	if *hostlist != "" {
		hosts = strings.Split(*hostlist, ",")
	}

	req := membership.Request{
		Action:      action,
		Await:       *await,
		ServerCores: int32(*serverCores),
		Debug:       *debug,
		HostList:    hosts,
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xpn-controller: dial %s: %v\n", addr, err)
		return 5 // EIO
	}
	defer conn.Close()

	if err := membership.WriteRequest(conn, req); err != nil {
		fmt.Fprintf(os.Stderr, "xpn-controller: send request: %v\n", err)
		return 5
	}
	code, err := membership.ReadResponse(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xpn-controller: read response: %v\n", err)
		return 5
	}
	return int(code)
}
