package main

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	msgportv1 "github.com/sambigeara/msgport/api/msgport/v1"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [ports|stats]",
		Short: "Show registered ports and daemon counters",
		Args:  cobra.RangeArgs(0, 1),
		RunE:  runStatus,
	}
	cmd.Flags().String("app", "", "Only show ports of this application")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	mode := "all"
	if len(args) == 1 {
		mode = args[0]
	}
	app, _ := cmd.Flags().GetString("app")

	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	var sections []statusSection
	switch mode {
	case "all", "ports", "port":
		list, err := c.List(ctx)
		if err != nil {
			return err
		}
		if s := collectPortsSection(list, app); len(s.rows) > 0 {
			sections = append(sections, s)
		}
		if mode != "all" {
			break
		}
		fallthrough
	case "stats", "stat":
		metrics, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		if s := collectStatsSection(metrics); len(s.rows) > 0 {
			sections = append(sections, s)
		}
	default:
		return fmt.Errorf("unknown status selector %q (use: ports|stats)", mode)
	}

	renderStatusSections(cmd.OutOrStdout(), sections)
	return nil
}

type statusSection struct {
	title   string
	footer  string
	headers []string
	rows    [][]string
}

// collectPortsSection lists ports the way the directory hands them out:
// ordered by id, so the oldest registration comes first.
func collectPortsSection(list *msgportv1.ListPortsResponse, app string) statusSection {
	sec := statusSection{
		title:   "PORTS",
		headers: []string{"ID", "APP", "PORT", "TRUSTED"},
	}

	ports := slices.Clone(list.Ports)
	slices.SortFunc(ports, func(a, b msgportv1.PortInfo) int { return cmp.Compare(a.ID, b.ID) })

	for _, p := range ports {
		if app != "" && p.AppID != app {
			continue
		}
		trusted := "no"
		if p.Trusted {
			trusted = "yes"
		}
		sec.rows = append(sec.rows, []string{strconv.FormatUint(p.ID, 10), p.AppID, p.Name, trusted})
	}

	sec.footer = fmt.Sprintf("connections: %d", list.Connections)
	return sec
}

func collectStatsSection(metrics []msgportv1.Metric) statusSection {
	sec := statusSection{
		title:   "STATS",
		headers: []string{"METRIC", "ATTRIBUTES", "VALUE"},
	}

	for _, m := range metrics {
		sec.rows = append(sec.rows, []string{
			strings.TrimPrefix(m.Name, "msgport."), formatAttrs(m.Attrs), strconv.FormatInt(m.Value, 10),
		})
	}
	slices.SortFunc(sec.rows, func(a, b []string) int {
		if c := strings.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return strings.Compare(a[1], b[1])
	})
	return sec
}

func formatAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return "-"
	}
	kv := make([]string, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, k+"="+v)
	}
	slices.Sort(kv)
	return strings.Join(kv, ",")
}

const (
	statusRowSection = iota
	statusRowHeader
	statusRowData
	statusRowSpacer
)

func renderStatusSections(w io.Writer, sections []statusSection) {
	maxCols := 0
	for _, sec := range sections {
		maxCols = max(maxCols, len(sec.headers))
		for _, row := range sec.rows {
			maxCols = max(maxCols, len(row))
		}
	}
	if maxCols == 0 {
		fmt.Fprintln(w, "no ports registered")
		return
	}

	var rowKinds []int
	padRow := func(src []string) []string {
		row := make([]string, maxCols)
		copy(row, src)
		return row
	}

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false)

	for i, sec := range sections {
		if i > 0 {
			t.Row(padRow(nil)...)
			rowKinds = append(rowKinds, statusRowSpacer)
		}
		t.Row(padRow([]string{sec.title})...)
		rowKinds = append(rowKinds, statusRowSection)
		t.Row(padRow(sec.headers)...)
		rowKinds = append(rowKinds, statusRowHeader)
		for _, dataRow := range sec.rows {
			t.Row(padRow(dataRow)...)
			rowKinds = append(rowKinds, statusRowData)
		}
	}

	sectionStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4")).PaddingRight(2)
	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("245")).PaddingRight(2)
	dataStyle := lipgloss.NewStyle().PaddingRight(2)

	t.StyleFunc(func(row, _ int) lipgloss.Style {
		if row < 0 || row >= len(rowKinds) {
			return dataStyle
		}
		switch rowKinds[row] {
		case statusRowSection:
			return sectionStyle
		case statusRowHeader:
			return headerStyle
		default:
			return dataStyle
		}
	})

	fmt.Fprintln(w, t)

	for _, sec := range sections {
		if sec.footer != "" {
			fmt.Fprintln(w)
			fmt.Fprintln(w, sec.footer)
		}
	}
	fmt.Fprintln(w)
}
