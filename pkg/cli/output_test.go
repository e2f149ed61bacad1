package cli

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func sampleTable() *Table {
	t := &Table{Header: []string{"host", "backend"}}
	t.Append("a.example", "app")
	t.Append("static.example", "files")
	return t
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{in: "", want: FormatText},
		{in: "text", want: FormatText},
		{in: "JSON", want: FormatJSON},
		{in: "yaml", want: FormatYAML},
		{in: "csv", want: FormatCSV},
		{in: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTextFormatter(t *testing.T) {
	tests := []struct {
		name string
		data any
		want string
	}{
		{
			name: "plain value",
			data: "test message",
			want: "test message\n",
		},
		{
			name: "table",
			data: sampleTable(),
			want: "host            backend\n" +
				"a.example       app\n" +
				"static.example  files\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			if err := (&TextFormatter{}).FormatTo(buf, tt.data); err != nil {
				t.Fatalf("FormatTo() error = %v", err)
			}
			if buf.String() != tt.want {
				t.Errorf("FormatTo() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestJSONFormatter(t *testing.T) {
	t.Run("table rows become objects", func(t *testing.T) {
		buf := &bytes.Buffer{}
		if err := (&JSONFormatter{Indent: true}).FormatTo(buf, sampleTable()); err != nil {
			t.Fatalf("FormatTo() error = %v", err)
		}

		var got []map[string]string
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("invalid JSON: %v\n%s", err, buf.String())
		}
		if len(got) != 2 || got[1]["host"] != "static.example" || got[1]["backend"] != "files" {
			t.Errorf("FormatTo() = %v", got)
		}
	})

	t.Run("table value wins", func(t *testing.T) {
		table := sampleTable()
		table.Value = map[string]int{"count": 2}

		buf := &bytes.Buffer{}
		if err := (&JSONFormatter{}).FormatTo(buf, table); err != nil {
			t.Fatalf("FormatTo() error = %v", err)
		}
		if got := strings.TrimSpace(buf.String()); got != `{"count":2}` {
			t.Errorf("FormatTo() = %s", got)
		}
	})
}

func TestYAMLFormatter(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := (&YAMLFormatter{}).FormatTo(buf, sampleTable()); err != nil {
		t.Fatalf("FormatTo() error = %v", err)
	}

	var got []map[string]string
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid YAML: %v\n%s", err, buf.String())
	}
	if len(got) != 2 || got[0]["host"] != "a.example" {
		t.Errorf("FormatTo() = %v", got)
	}
}

func TestCSVFormatter(t *testing.T) {
	t.Run("table", func(t *testing.T) {
		buf := &bytes.Buffer{}
		if err := (&CSVFormatter{}).FormatTo(buf, sampleTable()); err != nil {
			t.Fatalf("FormatTo() error = %v", err)
		}

		records, err := csv.NewReader(buf).ReadAll()
		if err != nil {
			t.Fatalf("invalid CSV: %v", err)
		}
		if len(records) != 3 || records[0][0] != "host" || records[2][1] != "files" {
			t.Errorf("records = %v", records)
		}
	})

	t.Run("not a table", func(t *testing.T) {
		if err := (&CSVFormatter{}).FormatTo(&bytes.Buffer{}, "x"); err == nil {
			t.Error("FormatTo() expected error for non-table data")
		}
	})
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		format OutputFormat
		want   string
	}{
		{format: FormatText, want: "*cli.TextFormatter"},
		{format: FormatJSON, want: "*cli.JSONFormatter"},
		{format: FormatYAML, want: "*cli.YAMLFormatter"},
		{format: FormatCSV, want: "*cli.CSVFormatter"},
		{format: "unknown", want: "*cli.TextFormatter"},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			got := fmt.Sprintf("%T", NewFormatter(tt.format))
			if got != tt.want {
				t.Errorf("NewFormatter(%q) type = %v, want %v", tt.format, got, tt.want)
			}
		})
	}
}
