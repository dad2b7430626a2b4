package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/opendsc/opendsc/internal/api"
)

// newTable creates a table writer with the standard styling.
func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format("2006-01-02 15:04")
}

// RenderConfigurations prints the configuration listing.
func RenderConfigurations(w io.Writer, configs []api.ConfigurationInfo) {
	if len(configs) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No configurations"))
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"NAME", "ENTRY POINT", "MANAGED", "VERSIONS", "DESCRIPTION"})
	for _, c := range configs {
		t.AppendRow(table.Row{c.Name, c.EntryPoint, c.ServerManaged, len(c.Versions), c.Description})
	}
	t.Render()
}

// RenderVersions prints the version listing of one configuration.
func RenderVersions(w io.Writer, versions []api.VersionInfo) {
	if len(versions) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No versions"))
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"VERSION", "STATE", "CREATED", "BY", "FILES"})
	for _, v := range versions {
		t.AppendRow(table.Row{v.Version, versionState(v), formatTime(v.CreatedAt), v.CreatedBy, len(v.Files)})
	}
	t.Render()
}

func versionState(v api.VersionInfo) string {
	switch {
	case v.IsArchived:
		return "archived"
	case v.IsDraft:
		return "draft"
	default:
		return "published"
	}
}

// RenderComposites prints the composite configuration listing.
func RenderComposites(w io.Writer, composites []api.CompositeInfo) {
	if len(composites) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No composite configurations"))
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"NAME", "ENTRY POINT", "VERSIONS", "DESCRIPTION"})
	for _, c := range composites {
		t.AppendRow(table.Row{c.Name, c.EntryPoint, len(c.Versions), c.Description})
	}
	t.Render()
}

// RenderScopeTypes prints scope types in precedence order.
func RenderScopeTypes(w io.Writer, scopes []api.ScopeTypeInfo) {
	if len(scopes) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No scope types"))
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "NAME", "PRECEDENCE", "VALUES", "SYSTEM"})
	for _, s := range scopes {
		values := "-"
		if s.AllowsValues {
			values = fmt.Sprintf("%d", len(s.Values))
		}
		t.AppendRow(table.Row{s.ID, s.Name, s.Precedence, values, s.IsSystem})
	}
	t.Render()
}

// RenderNodes prints the node listing.
func RenderNodes(w io.Writer, nodes []api.NodeInfo) {
	if len(nodes) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No registered nodes"))
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "FQDN", "LAST SEEN", "CERT EXPIRES", "ASSIGNMENT", "TAGS"})
	for _, n := range nodes {
		t.AppendRow(table.Row{n.ID, n.FQDN, formatTime(n.LastSeen), formatTime(n.CertNotAfter), assignmentLabel(n.Assignment), len(n.Tags)})
	}
	t.Render()
}

func assignmentLabel(a *api.NodeConfigurationInfo) string {
	switch {
	case a == nil:
		return "-"
	case a.Composite != "":
		return "composite:" + a.Composite
	case a.PinnedVersion != "":
		return a.Configuration + "@" + a.PinnedVersion
	default:
		return a.Configuration
	}
}

// RenderReports prints a node's compliance reports.
func RenderReports(w io.Writer, reports []api.ReportInfo) {
	if len(reports) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No reports"))
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"TIME", "OPERATION", "EXIT", "RESOURCES", "DRIFTED"})
	for _, r := range reports {
		drifted := 0
		for _, res := range r.Resources {
			if res.InDesiredState == nil || !*res.InDesiredState {
				drifted++
			}
		}
		t.AppendRow(table.Row{formatTime(r.Timestamp), r.Operation, r.ExitCode, len(r.Resources), drifted})
	}
	t.Render()
}

// RenderRegistrationKeys prints the registration key listing. Tokens are
// never part of the listing.
func RenderRegistrationKeys(w io.Writer, keys []api.RegistrationKeyInfo) {
	if len(keys) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No registration keys"))
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "CREATED", "EXPIRES", "USES", "REVOKED"})
	for _, k := range keys {
		uses := fmt.Sprintf("%d", k.UseCount)
		if k.MaxUses != nil {
			uses = fmt.Sprintf("%d/%d", k.UseCount, *k.MaxUses)
		}
		revoked := "-"
		if k.RevokedAt != nil {
			revoked = formatTime(*k.RevokedAt)
		}
		t.AppendRow(table.Row{k.ID, formatTime(k.CreatedAt), formatTime(k.ExpiresAt), uses, revoked})
	}
	t.Render()
}

// RenderRetentionReport prints the outcome of a retention run.
func RenderRetentionReport(w io.Writer, report *api.RetentionReport) {
	verb := "deleted"
	if report.DryRun {
		verb = "would delete"
	}
	fmt.Fprintf(w, "Examined %d version(s), %s %d (%d bytes)\n",
		report.Examined, verb, len(report.Candidates), report.FreedBytes)
	if len(report.Candidates) == 0 {
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"CONFIGURATION", "VERSION", "CREATED", "BYTES"})
	for _, c := range report.Candidates {
		t.AppendRow(table.Row{c.Configuration, c.Version, formatTime(c.CreatedAt), c.Bytes})
	}
	t.Render()
}

// RenderProvenance prints a merge preview with per-leaf provenance.
func RenderProvenance(w io.Writer, diag *api.MergeDiagnostics) {
	fmt.Fprintf(w, "Merged from %d source(s):\n", len(diag.Sources))
	for _, src := range diag.Sources {
		fmt.Fprintf(w, "  - %s\n", src)
	}
	if len(diag.Provenance) > 0 {
		t := newTable(w)
		t.AppendHeader(table.Row{"PATH", "VALUE", "SOURCE", "OVERRIDES"})
		for _, entry := range diag.Provenance {
			t.AppendRow(table.Row{entry.Path, fmt.Sprintf("%v", entry.Value), entry.Source, len(entry.OverriddenBy)})
		}
		t.Render()
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, diag.MergedYAML)
}
