package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/paulschiretz/charcle/pkg/charset"
)

// RunList prints the supported encodings and their accepted aliases.
func RunList(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENCODING\tALIASES")
	for _, e := range charset.Supported() {
		fmt.Fprintf(tw, "%s\t%s\n", e, strings.Join(charset.Aliases(e), ", "))
	}
	return tw.Flush()
}
