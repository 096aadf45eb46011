package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/deployments/pkg/api/client"
)

// wantsTable reports whether w is an interactive terminal.
func wantsTable(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printDeployments(w io.Writer, items []apiclient.Deployment, forceJSON bool) error {
	if forceJSON || !wantsTable(w) {
		return printJSON(w, items)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tVERSION\tENVIRONMENT\tUPDATED")
	for _, d := range items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Version, d.Environment, d.UpdatedAt.Local().Format(time.RFC3339))
	}
	return tw.Flush()
}

func printDeployment(w io.Writer, d apiclient.Deployment, forceJSON bool) error {
	if forceJSON || !wantsTable(w) {
		return printJSON(w, d)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\t%d\n", d.ID)
	fmt.Fprintf(tw, "Name\t%s\n", d.Name)
	fmt.Fprintf(tw, "Version\t%s\n", d.Version)
	fmt.Fprintf(tw, "Environment\t%s\n", d.Environment)
	fmt.Fprintf(tw, "Created\t%s\n", d.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(tw, "Updated\t%s\n", d.UpdatedAt.Local().Format(time.RFC3339))
	return tw.Flush()
}

func printEvent(w io.Writer, e apiclient.Event, forceJSON bool) error {
	if forceJSON || !wantsTable(w) {
		return json.NewEncoder(w).Encode(e)
	}
	if e.Deployment.ID == 0 {
		_, err := fmt.Fprintf(w, "%s %s\n", e.Type, e.Topic)
		return err
	}
	_, err := fmt.Fprintf(w, "%s  %-20s #%d %s@%s (%s)\n",
		e.OccurredAt.Local().Format(time.TimeOnly), e.Type, e.Deployment.ID,
		e.Deployment.Name, e.Deployment.Version, e.Deployment.Environment)
	return err
}
