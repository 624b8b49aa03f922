package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Render writes the report sections for the operator.
func Render(w io.Writer, r *Report) error {
	var b strings.Builder
	section := func(title, body string) {
		fmt.Fprintf(&b, "\n** %s **\n\n%s\n", title, body)
	}
	section("Result", formatJSON(r.Result))
	section("Flash Log", strings.Join(r.FlashLog, "\n"))
	section("Device Log", strings.Join(r.DeviceLog, "\n"))
	if len(r.Connections) > 0 && string(r.Connections) != "null" {
		section("Connections", formatJSON(r.Connections))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// formatJSON prints strings bare and everything else indented.
func formatJSON(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return string(raw)
	}
	return out.String()
}
