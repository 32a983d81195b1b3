package output

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/jbweber/autospawn/api/v1alpha1"
)

// createTestResource creates a ManagedResource for testing.
func createTestResource(id int, owner string, state v1alpha1.ResourceState, ip string) v1alpha1.ManagedResource {
	res := v1alpha1.ManagedResource{
		ID:     id,
		Name:   "auto-" + owner,
		Owner:  owner,
		State:  state,
		Status: "running",
		Tagged: true,
	}
	if ip != "" {
		res.Address = netip.MustParseAddr(ip)
	}
	return res
}

func TestTableFormatter_FormatResource(t *testing.T) {
	tests := []struct {
		name      string
		res       v1alpha1.ManagedResource
		wantName  string
		wantState string
		wantAddr  string
	}{
		{
			name:      "created resource with address",
			res:       createTestResource(5002, "alice", v1alpha1.ResourceStateRunning, "192.168.220.55"),
			wantName:  "auto-alice",
			wantState: "Running",
			wantAddr:  "192.168.220.55",
		},
		{
			name:      "listed resource without address",
			res:       createTestResource(5003, "bob", v1alpha1.ResourceStateStopping, ""),
			wantName:  "auto-bob",
			wantState: "Stopping",
			wantAddr:  "-",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			formatter := &TableFormatter{}
			output, err := formatter.FormatResource(tt.res)
			if err != nil {
				t.Fatalf("FormatResource() error = %v", err)
			}

			for _, want := range []string{tt.wantName, tt.wantState, tt.wantAddr} {
				if !strings.Contains(output, want) {
					t.Errorf("output missing %q: %s", want, output)
				}
			}
		})
	}
}

func TestTableFormatter_FormatResourceList(t *testing.T) {
	tests := []struct {
		name       string
		resources  []v1alpha1.ManagedResource
		noHeaders  bool
		wantCount  int
		wantHeader bool
	}{
		{
			name:      "empty list",
			resources: nil,
			wantCount: 0,
		},
		{
			name: "single resource",
			resources: []v1alpha1.ManagedResource{
				createTestResource(5002, "alice", v1alpha1.ResourceStateRunning, "192.168.220.55"),
			},
			wantCount:  1,
			wantHeader: true,
		},
		{
			name: "multiple resources",
			resources: []v1alpha1.ManagedResource{
				createTestResource(5002, "alice", v1alpha1.ResourceStateRunning, "192.168.220.55"),
				createTestResource(5003, "bob", v1alpha1.ResourceStateRunning, ""),
				createTestResource(5004, "carol", v1alpha1.ResourceStateCreating, ""),
			},
			wantCount:  3,
			wantHeader: true,
		},
		{
			name: "no headers",
			resources: []v1alpha1.ManagedResource{
				createTestResource(5002, "alice", v1alpha1.ResourceStateRunning, "192.168.220.55"),
			},
			noHeaders:  true,
			wantCount:  1,
			wantHeader: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			formatter := &TableFormatter{NoHeaders: tt.noHeaders}
			output, err := formatter.FormatResourceList(tt.resources)
			if err != nil {
				t.Fatalf("FormatResourceList() error = %v", err)
			}

			if tt.wantCount == 0 {
				if !strings.Contains(output, "No managed resources found") {
					t.Errorf("expected 'No managed resources found' message, got: %s", output)
				}
				return
			}

			hasHeader := strings.Contains(output, "NAME") && strings.Contains(output, "STATE")
			if tt.wantHeader && !hasHeader {
				t.Errorf("expected header in output, got: %s", output)
			}
			if !tt.wantHeader && hasHeader {
				t.Errorf("expected no header in output, got: %s", output)
			}

			lines := strings.Split(strings.TrimSpace(output), "\n")
			expectedLines := tt.wantCount
			if tt.wantHeader {
				expectedLines++
			}
			if len(lines) != expectedLines {
				t.Errorf("expected %d lines, got %d: %s", expectedLines, len(lines), output)
			}
		})
	}
}

func TestYAMLFormatter_FormatResource(t *testing.T) {
	res := createTestResource(5002, "alice", v1alpha1.ResourceStateRunning, "192.168.220.55")

	formatter := &YAMLFormatter{}
	output, err := formatter.FormatResource(res)
	if err != nil {
		t.Fatalf("FormatResource() error = %v", err)
	}

	requiredFields := []string{
		"id: 5002",
		"name: auto-alice",
		"address: 192.168.220.55",
		"owner: alice",
		"state: Running",
		"status: running",
		"tagged: true",
	}
	for _, field := range requiredFields {
		if !strings.Contains(output, field) {
			t.Errorf("output missing required field %q: %s", field, output)
		}
	}
}

func TestYAMLFormatter_FormatResourceList(t *testing.T) {
	formatter := &YAMLFormatter{}

	output, err := formatter.FormatResourceList(nil)
	if err != nil {
		t.Fatalf("FormatResourceList() error = %v", err)
	}
	if output != "" {
		t.Errorf("expected empty output for empty list, got: %q", output)
	}

	output, err = formatter.FormatResourceList([]v1alpha1.ManagedResource{
		createTestResource(5002, "alice", v1alpha1.ResourceStateRunning, ""),
		createTestResource(5003, "bob", v1alpha1.ResourceStateRunning, ""),
	})
	if err != nil {
		t.Fatalf("FormatResourceList() error = %v", err)
	}
	if got := strings.Count(output, "---\n"); got != 1 {
		t.Errorf("expected 1 document separator, got %d: %s", got, output)
	}
	if !strings.Contains(output, "auto-alice") || !strings.Contains(output, "auto-bob") {
		t.Errorf("output missing resource names: %s", output)
	}
}

func TestJSONFormatter_FormatResource(t *testing.T) {
	res := createTestResource(5002, "alice", v1alpha1.ResourceStateRunning, "192.168.220.55")

	formatter := &JSONFormatter{}
	output, err := formatter.FormatResource(res)
	if err != nil {
		t.Fatalf("FormatResource() error = %v", err)
	}

	requiredFields := []string{
		`"id": 5002`,
		`"name": "auto-alice"`,
		`"address": "192.168.220.55"`,
		`"owner": "alice"`,
		`"state": "Running"`,
		`"tagged": true`,
	}
	for _, field := range requiredFields {
		if !strings.Contains(output, field) {
			t.Errorf("output missing required field %q: %s", field, output)
		}
	}
}

func TestJSONFormatter_OmitsUnknownAddress(t *testing.T) {
	res := createTestResource(5003, "bob", v1alpha1.ResourceStateRunning, "")

	output, err := (&JSONFormatter{}).FormatResource(res)
	if err != nil {
		t.Fatalf("FormatResource() error = %v", err)
	}
	if strings.Contains(output, `"address"`) {
		t.Errorf("expected address to be omitted: %s", output)
	}
}

func TestJSONFormatter_FormatResourceList(t *testing.T) {
	tests := []struct {
		name      string
		resources []v1alpha1.ManagedResource
		wantEmpty bool
	}{
		{
			name:      "empty list",
			resources: nil,
			wantEmpty: true,
		},
		{
			name: "multiple resources",
			resources: []v1alpha1.ManagedResource{
				createTestResource(5002, "alice", v1alpha1.ResourceStateRunning, "192.168.220.55"),
				createTestResource(5003, "bob", v1alpha1.ResourceStateRunning, ""),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			formatter := &JSONFormatter{}
			output, err := formatter.FormatResourceList(tt.resources)
			if err != nil {
				t.Fatalf("FormatResourceList() error = %v", err)
			}

			if tt.wantEmpty {
				if output != "[]\n" {
					t.Errorf("expected %q, got: %q", "[]\n", output)
				}
				return
			}

			if !strings.HasPrefix(strings.TrimSpace(output), "[") {
				t.Errorf("expected output to start with '[': %s", output)
			}
			for _, res := range tt.resources {
				if !strings.Contains(output, res.Name) {
					t.Errorf("output missing resource name %q", res.Name)
				}
			}
		})
	}
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "table format", opts: Options{Format: FormatTable}},
		{name: "yaml format", opts: Options{Format: FormatYAML}},
		{name: "json format", opts: Options{Format: FormatJSON}},
		{name: "invalid format", opts: Options{Format: "invalid"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			formatter, err := NewFormatter(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewFormatter() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && formatter == nil {
				t.Error("NewFormatter() returned nil formatter")
			}
		})
	}
}

func TestValidateFormat(t *testing.T) {
	tests := []struct {
		format  string
		wantErr bool
	}{
		{format: "table"},
		{format: "yaml"},
		{format: "json"},
		{format: "xml", wantErr: true},
		{format: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			err := ValidateFormat(tt.format)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFormat(%q) error = %v, wantErr %v", tt.format, err, tt.wantErr)
			}
		})
	}
}
