package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/berth/internal/model"
)

// Output formats accepted by --format.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// currentFormat resolves --json and --format into one of the format constants.
func currentFormat() string {
	if jsonOutput {
		return formatJSON
	}
	return strings.ToLower(strings.TrimSpace(outputFormat))
}

func validateFormat() error {
	switch currentFormat() {
	case formatText, formatJSON, formatYAML:
		return nil
	default:
		return model.Errorf(model.KindInvalid, "parse flags",
			"invalid output format %q (valid: text, json, yaml)", outputFormat)
	}
}

// render writes v to w in the structured format selected by the global
// flags, or calls text for the human-readable form.
func render(w io.Writer, v any, text func(w io.Writer)) error {
	switch currentFormat() {
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(w, string(data))
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		return enc.Close()
	default:
		text(w)
	}
	return nil
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

// colorStatus pads status to width and colors it. Padding happens first so
// escape codes do not upset column alignment.
func colorStatus(status model.AllocationStatus, width int) string {
	s := fmt.Sprintf("%-*s", width, status)
	switch status {
	case model.StatusActive:
		return green(s)
	case model.StatusAllocated:
		return yellow(s)
	case model.StatusReleased:
		return faint(s)
	default:
		return s
	}
}

// FormatPortsList formats ports as a comma-separated string for table
// display. Returns "-" if the slice is empty.
func FormatPortsList(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

// FormatOwner renders the owner columns of an allocation compactly:
// conversation first, then worktree base name, then codebase.
func FormatOwner(o model.Owner) string {
	var parts []string
	if o.ConversationKey != "" {
		parts = append(parts, o.ConversationKey)
	}
	if o.WorktreePath != "" {
		parts = append(parts, "wt:"+lastPathElem(o.WorktreePath))
	}
	if o.CodebaseID != "" {
		parts = append(parts, "cb:"+o.CodebaseID)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func lastPathElem(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// FormatAge renders how long ago t was, at the coarsest useful unit.
func FormatAge(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// FormatPercentBar draws a fixed-width utilization bar such as
// "[#####-----]".
func FormatPercentBar(percent float64, width int) string {
	if width <= 0 {
		return ""
	}
	filled := int(percent/100*float64(width) + 0.5)
	filled = max(0, min(filled, width))
	bar := "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
	switch {
	case percent >= 90:
		return red(bar)
	case percent >= 70:
		return yellow(bar)
	default:
		return green(bar)
	}
}
