package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ideamic/internal/audio"
)

func newFormatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "List recording formats in preference order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := opts.build(cmd, newTerminalEvents(cmd.ErrOrStderr()), nil)
			if err != nil {
				return err
			}
			defer func() { _ = services.Shutdown(context.Background()) }()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MIME TYPE\tSUPPORTED")
			for _, format := range services.Controller.SupportedFormats() {
				fmt.Fprintf(w, "%s\t%s\n", format.MIMEType, yesNo(format.Supported))
			}
			fmt.Fprintf(w, "%s\t%s\n", audio.PlatformDefaultMIME, "fallback")
			return w.Flush()
		},
	}
}

func yesNo(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}
