package cmdutil

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRun(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		opts    ExecOptions
		cmd     []string
		wantErr bool
	}{
		{
			"successful command",
			ExecOptions{},
			[]string{"echo", "hello"},
			false,
		},
		{
			"command with args",
			ExecOptions{},
			[]string{"echo", "hello", "world"},
			false,
		},
		{
			"command that fails",
			ExecOptions{},
			[]string{"ls", "/nonexistent/directory/path"},
			true,
		},
		{
			"empty command",
			ExecOptions{},
			[]string{},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Run(ctx, tt.opts, tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Errorf("Run() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if result == nil {
				t.Fatal("Run() returned nil result")
			}
			if !tt.wantErr && result.Duration == 0 {
				t.Error("Run() did not record execution duration")
			}
			if tt.wantErr && result.OK() {
				t.Error("Result.OK() = true for failed command")
			}
		})
	}
}

func TestRunTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("command completes before timeout", func(t *testing.T) {
		_, err := Run(ctx, ExecOptions{Timeout: 5 * time.Second}, []string{"echo", "test"})
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	})

	t.Run("command times out", func(t *testing.T) {
		_, err := Run(ctx, ExecOptions{Timeout: 50 * time.Millisecond}, []string{"sleep", "10"})
		if err == nil {
			t.Error("Run() should timeout for long command")
		}
	})
}

func TestExecRunner(t *testing.T) {
	var r Runner = ExecRunner{}
	result, err := r.Run(context.Background(), ExecOptions{Dir: t.TempDir()}, []string{"echo", "runner"})
	if err != nil {
		t.Fatalf("ExecRunner.Run() error = %v", err)
	}
	if !strings.Contains(string(result.Output), "runner") {
		t.Errorf("ExecRunner.Run() output = %q", result.Output)
	}
}

func TestParseCommandString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			"simple command",
			"nginx -t",
			[]string{"nginx", "-t"},
			false,
		},
		{
			"reload command",
			"systemctl reload nginx",
			[]string{"systemctl", "reload", "nginx"},
			false,
		},
		{
			"command with quoted argument",
			"sh -c \"nginx -t && echo ok\"",
			[]string{"sh", "-c", "nginx -t && echo ok"},
			false,
		},
		{
			"command with single quotes",
			"echo 'hello world'",
			[]string{"echo", "hello world"},
			false,
		},
		{
			"empty string",
			"",
			nil,
			true,
		},
		{
			"whitespace only",
			"   ",
			nil,
			true,
		},
		{
			"unterminated quote",
			"echo 'oops",
			nil,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommandString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCommandString() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !equalStringSlices(got, tt.want) {
				t.Errorf("ParseCommandString() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatCommand(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  string
	}{
		{
			"simple command",
			[]string{"systemctl", "reload", "nginx"},
			"systemctl reload nginx",
		},
		{
			"command with spaces in argument",
			[]string{"certbot", "-d", "my site"},
			"certbot -d 'my site'",
		},
		{
			"empty command",
			[]string{},
			"<empty command>",
		},
		{
			"single command",
			[]string{"ls"},
			"ls",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatCommand(tt.input)
			if got != tt.want {
				t.Errorf("FormatCommand() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSanitizeOutput(t *testing.T) {
	tests := []struct {
		name    string
		output  []byte
		secrets []string
		want    string
	}{
		{
			"redact single secret",
			[]byte("token=abc123 rejected"),
			[]string{"abc123"},
			"token=***REDACTED*** rejected",
		},
		{
			"redact multiple secrets",
			[]byte("user: admin, password: secret1, token: secret2"),
			[]string{"secret1", "secret2"},
			"user: admin, password: ***REDACTED***, token: ***REDACTED***",
		},
		{
			"no secrets",
			[]byte("public information"),
			[]string{},
			"public information",
		},
		{
			"empty secret",
			[]byte("some output"),
			[]string{""},
			"some output",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeOutput(tt.output, tt.secrets)
			if string(got) != tt.want {
				t.Errorf("SanitizeOutput() = %v, want %v", string(got), tt.want)
			}
		})
	}
}

func TestResult(t *testing.T) {
	ctx := context.Background()

	t.Run("combined output", func(t *testing.T) {
		result, err := Run(ctx, ExecOptions{}, []string{"sh", "-c", "echo out; echo err 1>&2"})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if !strings.Contains(string(result.Output), "out") || !strings.Contains(string(result.Output), "err") {
			t.Errorf("Result.Output = %q, want stdout and stderr", result.Output)
		}
		if result.ExitCode != 0 {
			t.Errorf("Result.ExitCode = %d, want 0", result.ExitCode)
		}
	})

	t.Run("exit code for failed command", func(t *testing.T) {
		result, err := Run(ctx, ExecOptions{}, []string{"sh", "-c", "exit 3"})
		if err == nil {
			t.Error("Run() should return error for failed command")
		}
		if result.ExitCode != 3 {
			t.Errorf("Result.ExitCode = %d, want 3", result.ExitCode)
		}
	})
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func BenchmarkParseCommandString(b *testing.B) {
	cmd := "sh -c \"nginx -t && systemctl reload nginx\""

	for i := 0; i < b.N; i++ {
		_, _ = ParseCommandString(cmd)
	}
}
