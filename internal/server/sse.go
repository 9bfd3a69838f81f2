package server

import (
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic"

	"console_agent/pkg"
)

// writeData writes one SSE frame. Every line of fragment becomes its own
// data line so embedded newlines survive the framing.
func writeData(w io.Writer, fragment string) error {
	if fragment == "" {
		return nil
	}
	fragment = strings.ReplaceAll(fragment, "\r\n", "\n")

	var b strings.Builder
	for _, line := range strings.Split(fragment, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

func writeEventError(w io.Writer, code, message string) error {
	data, err := sonic.MarshalString(pkg.ErrorResponse{Error: pkg.ErrorBody{Code: code, Message: message}})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	return err
}
