// Command vrift is the thin CLI front-end for the daemon: ingest a directory
// into the index, show daemon status, run garbage collection.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/ipc"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: vrift <command> [args]

commands:
  ingest <dir>    walk a directory into the project index
  status          show daemon status
  gc [--delete]   report (or delete) unreferenced blobs
`)
	os.Exit(2)
}

func socketPath() string {
	if v := os.Getenv(vrift.EnvSocketPath); v != "" {
		return v
	}
	return vrift.DefaultSocketPath()
}

func projectRoot() string {
	if v := os.Getenv(vrift.EnvProjectRoot); v != "" {
		return v
	}
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolving working directory: %v\n", err)
		os.Exit(1)
	}
	return wd
}

func main() {
	vrift.ConfigureLogging()
	if len(os.Args) < 2 {
		usage()
	}

	client := ipc.NewClient(socketPath(), 0)
	ctx := context.Background()

	switch os.Args[1] {
	case "ingest":
		if len(os.Args) < 3 {
			usage()
		}
		dir, err := filepath.Abs(os.Args[2])
		if err != nil {
			fail(err)
		}
		root := projectRoot()
		if _, err := client.Do(ctx, ipc.Request{
			Kind:        ipc.KindIngest,
			ProjectRoot: root,
			Ingest:      &ipc.IngestPayload{Dir: dir},
		}); err != nil {
			fail(err)
		}
		fmt.Printf("ingested %s\n", dir)

	case "status":
		resp, err := client.Do(ctx, ipc.Request{Kind: ipc.KindStatus})
		if err != nil {
			fail(err)
		}
		out, _ := json.MarshalIndent(resp.Info, "", "  ")
		fmt.Println(string(out))

	case "gc":
		fs := flag.NewFlagSet("gc", flag.ExitOnError)
		del := fs.Bool("delete", false, "delete orphans instead of reporting")
		fs.Parse(os.Args[2:])
		resp, err := client.Do(ctx, ipc.Request{
			Kind: ipc.KindGcEnumerate,
			Gc:   &ipc.GcPayload{Delete: *del},
		})
		if err != nil {
			fail(err)
		}
		out, _ := json.MarshalIndent(resp.Gc, "", "  ")
		fmt.Println(string(out))

	default:
		usage()
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
