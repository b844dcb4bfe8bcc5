// Command snapinspect is a read-only diagnostic tool for a snapshot store
// partition directory: it lists committed and pending snapshots and
// re-verifies committed ones against their checksum sidecar. It never
// deletes, renames or otherwise mutates anything under the root it is
// pointed at.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"gopkg.in/urfave/cli.v1"

	"github.com/honlyc/zeebe/snapshotstore"
)

func main() {
	app := cli.NewApp()
	app.Name = "snapinspect"
	app.Usage = "inspect a snapshot store partition directory"
	app.Version = "1.0.0"
	app.Commands = []cli.Command{
		listCommand,
		pendingCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var listCommand = cli.Command{
	Name:      "list",
	Usage:     "list committed snapshots and verify their checksums",
	ArgsUsage: "<root>",
	Action:    listCmd,
}

var pendingCommand = cli.Command{
	Name:      "pending",
	Usage:     "list staging directories under pending/",
	ArgsUsage: "<root>",
	Action:    pendingCmd,
}

func rootArg(ctx *cli.Context) (string, error) {
	if ctx.NArg() != 1 {
		return "", fmt.Errorf("exactly one argument required: <root>")
	}
	return ctx.Args().Get(0), nil
}

func listCmd(ctx *cli.Context) error {
	root, err := rootArg(ctx)
	if err != nil {
		return err
	}
	infos, err := snapshotstore.Inspect(root)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no committed snapshots")
		return nil
	}

	okColor := color.New(color.FgGreen)
	badColor := color.New(color.FgRed, color.Bold)
	warnColor := color.New(color.FgYellow)

	latestIdx := 0
	for i, info := range infos {
		if infos[latestIdx].Id.Less(info.Id) {
			latestIdx = i
		}
	}

	for i, info := range infos {
		latest := i == latestIdx
		marker := "  "
		if latest {
			marker = okColor.Sprint("* ")
		}
		switch {
		case info.Dir == "" || info.Sidecar == "":
			warnColor.Printf("%sunpaired  %s\n", marker, info.Id.String())
		case info.Err != nil:
			badColor.Printf("%scorrupt   %s: %v\n", marker, info.Id.String(), info.Err)
		default:
			fmt.Printf("%sverified  %s  checksum=%x\n", marker, info.Id.String(), info.Checksum.Bytes())
		}
	}
	return nil
}

func pendingCmd(ctx *cli.Context) error {
	root, err := rootArg(ctx)
	if err != nil {
		return err
	}
	infos, err := snapshotstore.InspectPending(root)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no pending snapshots")
		return nil
	}
	for _, info := range infos {
		fmt.Printf("  %s  %s\n", info.Id.String(), info.Dir)
	}
	return nil
}
