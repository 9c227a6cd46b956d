package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/psaab/netfw/pkg/api"
)

func TestParseClassify(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		want    api.ClassifyRequest
		wantErr bool
	}{
		{
			name: "v4 with ports",
			args: "egress tcp 10.0.0.1:40000 153.3.238.110:80",
			want: api.ClassifyRequest{Direction: "egress", Protocol: "tcp", Src: "10.0.0.1", SrcPort: 40000, Dst: "153.3.238.110", DstPort: 80},
		},
		{
			name: "v6 and ids",
			args: "ingress udp [2001:db8::1]:53 2001:db8::2 uid=1010123 app=7",
			want: api.ClassifyRequest{Direction: "ingress", Protocol: "udp", Src: "2001:db8::1", SrcPort: 53, Dst: "2001:db8::2", UID: 1010123, AppUID: 7},
		},
		{name: "too few", args: "egress tcp 10.0.0.1", wantErr: true},
		{name: "bad address", args: "egress tcp 10.0.0:1 10.0.0.2", wantErr: true},
		{name: "bad key", args: "egress tcp 10.0.0.1 10.0.0.2 pid=4", wantErr: true},
		{name: "no value", args: "egress tcp 10.0.0.1 10.0.0.2 uid", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseClassify(strings.Fields(tt.args))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseDefaultAction(t *testing.T) {
	got, err := parseDefaultAction([]string{"global", "allow", "deny"})
	if err != nil || got.UserID != -1 || got.Egress != "deny" {
		t.Errorf("global = %+v, %v", got, err)
	}
	got, err = parseDefaultAction([]string{"100", "deny", "allow"})
	if err != nil || got.UserID != 100 || got.Ingress != "deny" {
		t.Errorf("user = %+v, %v", got, err)
	}
	if _, err := parseDefaultAction([]string{"-5", "deny", "allow"}); err == nil {
		t.Error("negative user accepted")
	}
	if _, err := parseDefaultAction([]string{"global", "deny"}); err == nil {
		t.Error("missing egress accepted")
	}
}

func TestDispatchLocalCommands(t *testing.T) {
	var buf bytes.Buffer
	c := &ctl{out: &buf}

	if err := c.dispatch([]string{"help"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "classify <dir> <proto>") {
		t.Errorf("help output = %q", buf.String())
	}
	if err := c.dispatch([]string{"exit"}); err != errExit {
		t.Errorf("exit = %v", err)
	}
	if err := c.dispatch([]string{"frobnicate"}); err == nil {
		t.Error("unknown command accepted")
	}
	if err := c.dispatch([]string{"load"}); err == nil {
		t.Error("load without file accepted")
	}
	if err := c.dispatch([]string{"batch"}); err == nil {
		t.Error("batch without file accepted")
	}
}

func TestTreeCompleter(t *testing.T) {
	tests := []struct {
		line string
		want []string
		n    int
	}{
		{"sta", []string{"tus "}, 3},
		{"cl", []string{"assify ", "ear "}, 2},
		{"clear d", []string{"efault-action ", "omain "}, 1},
		{"classify egress t", []string{"cp "}, 1},
		{"load ", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, n := treeCompleter{}.Do([]rune(tt.line), len(tt.line))
			var strs []string
			for _, r := range got {
				strs = append(strs, string(r))
			}
			if n != tt.n {
				t.Errorf("length = %d, want %d", n, tt.n)
			}
			if diff := cmp.Diff(tt.want, strs); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestContextHelp(t *testing.T) {
	var buf bytes.Buffer
	c := &ctl{out: &buf}
	c.showContextHelp("clear ")
	for _, want := range []string{"Possible completions:", "default-action", "Per-user and global default actions"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("help missing %q:\n%s", want, buf.String())
		}
	}
	buf.Reset()
	c.showContextHelp("status ")
	if !strings.Contains(buf.String(), "no help available") {
		t.Errorf("leaf help = %q", buf.String())
	}
}
