// Command tks is the command line companion of the secret service
// daemon. It talks the same bus protocol as any other client, so it
// works against other Secret Service implementations too.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/linux-tks/tks/internal/buildinfo"
	"github.com/linux-tks/tks/internal/client"
	"github.com/linux-tks/tks/internal/importer"
	"github.com/linux-tks/tks/internal/logging"
	"github.com/linux-tks/tks/internal/storage"
)

const usage = `usage: tks <command> [arguments]

commands:
  store -l <label> <attr>=<value>...    store a secret (value read from stdin or terminal)
  lookup <attr>=<value>...              print the first matching secret
  list [<attr>=<value>...]              list matching items
  delete <attr>=<value>...              delete matching items
  lock                                  lock every collection
  unlock                                unlock the default collection
  collections                           list collection paths
  import-kwallet <file.xml>             import a KWallet XML export
  version                               print build information
`

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "version" {
		buildinfo.PrintBuildData(os.Stdout)
		return
	}

	c, err := client.Connect()
	if err != nil {
		log.Fatalf("tks: %v", err)
	}
	defer c.Close()

	switch cmd {
	case "store":
		err = store(c, args)
	case "lookup":
		err = lookup(c, args)
	case "list":
		err = list(c, args)
	case "delete":
		err = deleteItems(c, args)
	case "lock":
		err = lockAll(c)
	case "unlock":
		err = unlockDefault(c)
	case "collections":
		err = collections(c)
	case "import-kwallet":
		err = importKWallet(c, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("tks: %v", err)
	}
}

// parseAttributes turns key=value arguments into an attribute map.
func parseAttributes(args []string) (map[string]string, error) {
	attrs := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%q is not of the form key=value", arg)
		}
		attrs[key] = value
	}
	return attrs, nil
}

// readSecretValue reads the secret from the terminal without echo, or
// from stdin when piped.
func readSecretValue() ([]byte, error) {
	if term.IsTerminal(int(syscall.Stdin)) {
		fmt.Fprint(os.Stderr, "Secret: ")
		value, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		return value, err
	}
	value, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimSuffix(string(value), "\n")), nil
}

func store(c *client.Client, args []string) error {
	fs := flag.NewFlagSet("store", flag.ExitOnError)
	label := fs.String("l", "", "item label")
	contentType := fs.String("t", "text/plain", "content type")
	fs.Parse(args)

	attrs, err := parseAttributes(fs.Args())
	if err != nil {
		return err
	}
	if len(attrs) == 0 {
		return fmt.Errorf("store needs at least one attribute")
	}
	if *label == "" {
		return fmt.Errorf("store needs a label (-l)")
	}

	value, err := readSecretValue()
	if err != nil {
		return err
	}
	return c.Store(*label, attrs, value, *contentType)
}

func lookup(c *client.Client, args []string) error {
	attrs, err := parseAttributes(args)
	if err != nil {
		return err
	}
	if len(attrs) == 0 {
		return fmt.Errorf("lookup needs at least one attribute")
	}

	value, _, err := c.Lookup(attrs)
	if err != nil {
		return err
	}
	os.Stdout.Write(value)
	if term.IsTerminal(int(syscall.Stdout)) {
		fmt.Println()
	}
	return nil
}

func list(c *client.Client, args []string) error {
	attrs, err := parseAttributes(args)
	if err != nil {
		return err
	}
	entries, err := c.List(attrs)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		state := ""
		if entry.Locked {
			state = " [locked]"
		}
		pairs := make([]string, 0, len(entry.Attributes))
		for k, v := range entry.Attributes {
			pairs = append(pairs, k+"="+v)
		}
		fmt.Printf("%s%s\t%s\n", entry.Label, state, strings.Join(pairs, " "))
	}
	return nil
}

func deleteItems(c *client.Client, args []string) error {
	attrs, err := parseAttributes(args)
	if err != nil {
		return err
	}
	if len(attrs) == 0 {
		return fmt.Errorf("delete needs at least one attribute")
	}
	n, err := c.Delete(attrs)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d item(s)\n", n)
	return nil
}

func lockAll(c *client.Client) error {
	paths, err := c.Collections()
	if err != nil {
		return err
	}
	return c.Lock(paths)
}

func unlockDefault(c *client.Client) error {
	collection, err := c.DefaultCollection()
	if err != nil {
		return err
	}
	return c.Unlock([]dbus.ObjectPath{collection})
}

func collections(c *client.Client) error {
	paths, err := c.Collections()
	if err != nil {
		return err
	}
	for _, path := range paths {
		fmt.Println(path)
	}
	return nil
}

// busWriter adapts the bus client to the importer's item sink.
type busWriter struct {
	c *client.Client
}

func (w *busWriter) PutItem(_ context.Context, _ uuid.UUID, label string,
	attributes map[string]string, secret []byte, contentType string, _ bool) (storage.Item, bool, error) {
	if err := w.c.Store(label, attributes, secret, contentType); err != nil {
		return storage.Item{}, false, err
	}
	return storage.Item{Label: label, Attributes: attributes}, false, nil
}

func importKWallet(c *client.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("import-kwallet needs exactly one file")
	}
	file, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer file.Close()

	count, err := importer.KWallet(context.Background(), file, &busWriter{c: c},
		uuid.Nil, logging.New(os.Stderr, "warn"))
	if err != nil {
		return err
	}
	fmt.Printf("imported %d item(s)\n", count)
	return nil
}
