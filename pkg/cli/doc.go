/*
Package cli provides the helpers shared by the conduit commands: output
formatting, progress reporting, signal handling and command errors.

Output Formatting:

Commands build a Table and let the --output flag pick the formatter. Text
and CSV print the rows; JSON and YAML print Table.Value when set, else the
rows keyed by the header:

	table := &cli.Table{Header: []string{"host", "backend"}, Value: entries}
	for _, e := range entries {
		table.Append(e.Host, e.Backend)
	}
	return cli.NewFormatter(format).FormatTo(os.Stdout, table)

Progress Reporting:

	progress := cli.NewProgress(os.Stderr, "vhosts")
	progress.Start(len(entries))
	for _, e := range entries {
		// ...
		progress.Step()
	}
	progress.Finish(nil)

Signal Handling:

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()
*/
package cli
