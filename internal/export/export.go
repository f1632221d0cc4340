// Package export writes run results as JSON or YAML.
package export

import (
	"fmt"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/thalesfsp/bo"
	"gopkg.in/yaml.v3"
)

// Format is an output encoding.
type Format string

const (
	JSON Format = "json"
	YAML Format = "yaml"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ParseFormat accepts json, yaml and yml in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	}

	return "", &bo.ConfigurationError{Field: "output.format", Reason: fmt.Sprintf("unknown format %q", s)}
}

// Write encodes the summary of result to w.
func Write(w io.Writer, result *bo.Result, format Format) error {
	return Encode(w, result.Summary(), format)
}

// Encode writes summary to w.
func Encode(w io.Writer, summary bo.Summary, format Format) error {
	switch format {
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(summary); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}

		return enc.Close()

	case JSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		if err := enc.Encode(summary); err != nil {
			return fmt.Errorf("encoding json: %w", err)
		}

		return nil
	}

	return fmt.Errorf("unsupported format %q", format)
}

// Decode reads a summary written by Encode.
func Decode(r io.Reader, format Format) (bo.Summary, error) {
	var summary bo.Summary

	switch format {
	case YAML:
		if err := yaml.NewDecoder(r).Decode(&summary); err != nil {
			return bo.Summary{}, fmt.Errorf("decoding yaml: %w", err)
		}
	case JSON, "":
		if err := json.NewDecoder(r).Decode(&summary); err != nil {
			return bo.Summary{}, fmt.Errorf("decoding json: %w", err)
		}
	default:
		return bo.Summary{}, fmt.Errorf("unsupported format %q", format)
	}

	return summary, nil
}

// WriteFile writes result to path, or to stdout when path is empty.
func WriteFile(path string, result *bo.Result, format Format) error {
	if path == "" {
		return Write(os.Stdout, result, format)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	if err := Write(f, result, format); err != nil {
		f.Close()

		return err
	}

	return f.Close()
}
