package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xtxerr/metricd/internal/errors"
)

func TestExecute(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantCode   int
		wantOut    string
		wantErrOut string
	}{
		{name: "help", args: []string{"-h"}, wantCode: 0, wantOut: "--path"},
		{name: "unknown flag", args: []string{"--bogus"}, wantCode: 1, wantErrOut: "unknown flag"},
		{name: "positional argument", args: []string{"extra"}, wantCode: 1, wantErrOut: "Error:"},
		{
			name:       "missing config",
			args:       []string{"-q", "-f", filepath.Join(os.TempDir(), "metricd-absent", "config.yaml")},
			wantCode:   1,
			wantErrOut: "config load failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := execute(tt.args, &stdout, &stderr)
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d (stderr %q)", code, tt.wantCode, stderr.String())
			}
			if !strings.Contains(stdout.String(), tt.wantOut) {
				t.Errorf("stdout = %q, want it to contain %q", stdout.String(), tt.wantOut)
			}
			if !strings.Contains(stderr.String(), tt.wantErrOut) {
				t.Errorf("stderr = %q, want it to contain %q", stderr.String(), tt.wantErrOut)
			}
		})
	}
}

func TestRootCmd_ArgumentErrors(t *testing.T) {
	for _, args := range [][]string{{"extra"}, {"--bogus"}} {
		var out bytes.Buffer
		cmd := newRootCmd(&out)
		cmd.SetArgs(args)
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		if err := cmd.Execute(); !errors.Is(err, errors.ErrArgumentParse) {
			t.Errorf("%v: err = %v, want ErrArgumentParse", args, err)
		}
	}
}

func TestExecute_BannerUnlessQuiet(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	var stdout, stderr bytes.Buffer
	execute([]string{"-f", missing}, &stdout, &stderr)
	if !strings.Contains(stdout.String(), "metricd dev starting") {
		t.Errorf("banner missing: %q", stdout.String())
	}

	stdout.Reset()
	execute([]string{"-q", "-f", missing}, &stdout, &stderr)
	if stdout.Len() != 0 {
		t.Errorf("quiet printed %q", stdout.String())
	}
}
