// Command dexdictate-trigger publishes trigger edges and host lifecycle
// events to a running daemon. It is what a hotkey daemon, shell binding or
// sleep hook invokes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/westkitty/dexdictate/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	var (
		server string
		source string
	)
	flag.StringVar(&server, "server", nats.DefaultURL, "NATS server URL")
	flag.StringVar(&source, "source", "cli", "Trigger source label")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "expected 'press', 'release', 'toggle', 'suspend' or 'version'")
		os.Exit(2)
	}

	var subject string
	kind := flag.Arg(0)
	switch kind {
	case "press":
		subject = protocol.SubjectTriggerPressed
	case "release":
		subject = protocol.SubjectTriggerReleased
	case "toggle":
		subject = protocol.SubjectTriggerToggle
	case "suspend":
		subject = protocol.SubjectSuspend
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", kind)
		os.Exit(2)
	}

	if err := publish(server, subject, kind, source); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func publish(server, subject, kind, source string) error {
	conn, err := nats.Connect(server, nats.Name("dexdictate-trigger"), nats.Timeout(2*time.Second))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", server, err)
	}
	defer conn.Close()

	data, err := json.Marshal(protocol.TriggerEvent{
		Kind:      kind,
		Source:    source,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish trigger: %w", err)
	}
	return conn.Flush()
}
