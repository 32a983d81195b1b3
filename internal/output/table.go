package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"

	"github.com/jbweber/autospawn/api/v1alpha1"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatResource formats a single resource as a table row.
func (f *TableFormatter) FormatResource(res v1alpha1.ManagedResource) (string, error) {
	return f.FormatResourceList([]v1alpha1.ManagedResource{res})
}

// FormatResourceList formats a list of resources as a table.
func (f *TableFormatter) FormatResourceList(resources []v1alpha1.ManagedResource) (string, error) {
	if len(resources) == 0 {
		return "No managed resources found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ID\tNAME\tOWNER\tADDRESS\tSTATE\tSTATUS\tTAGGED")
	}

	for _, res := range resources {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			res.ID,
			res.Name,
			orDash(res.Owner),
			address(res),
			orDash(string(res.State)),
			orDash(res.Status),
			yesNo(res.Tagged))
	}

	_ = w.Flush()
	return buf.String(), nil
}

func address(res v1alpha1.ManagedResource) string {
	if !res.Address.IsValid() {
		return "-"
	}
	return res.Address.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
