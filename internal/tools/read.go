package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/floegence/agentloop/internal/sanitize"
)

// ReadFileLimits bound how much of a file the read_file tool loads.
type ReadFileLimits struct {
	// MaxFileReadBytes caps whole-file reads. Larger files must be read
	// by line range.
	MaxFileReadBytes int
	// MaxScanBytes caps how far a line-range read scans into the file.
	MaxScanBytes int
}

// ReadFile reads file contents, optionally by line range.
type ReadFile struct {
	limits ReadFileLimits
}

func NewReadFile(limits ReadFileLimits) *ReadFile {
	if limits.MaxFileReadBytes <= 0 {
		limits.MaxFileReadBytes = 256 << 10
	}
	if limits.MaxScanBytes <= 0 {
		limits.MaxScanBytes = 10 << 20
	}
	return &ReadFile{limits: limits}
}

type readFileArgs struct {
	Path        string `json:"path"`
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
	LineNumbers *bool  `json:"line_numbers"`
}

func (t *ReadFile) Name() string { return "read_file" }

func (t *ReadFile) Description() string { return "Read file contents, optionally by line range" }

func (t *ReadFile) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"start_line": {"type": "integer", "minimum": 1},
			"end_line": {"type": "integer", "minimum": 1},
			"line_numbers": {"type": "boolean", "default": true, "description": "Show line numbers (default: true)"}
		},
		"required": ["path"]
	}`)
}

func (t *ReadFile) Approval() ApprovalRequirement { return ApprovalNever }

func (t *ReadFile) Effect(json.RawMessage) EffectProfile { return EffectReadsUserData }

func (t *ReadFile) Timeout() time.Duration { return 0 }

func (t *ReadFile) Summary(args json.RawMessage) (string, error) {
	var typed readFileArgs
	if err := json.Unmarshal(args, &typed); err != nil {
		return "", fmt.Errorf("Bad args: %v", err)
	}
	s := "Read " + typed.Path
	if typed.StartLine > 0 {
		if typed.EndLine > 0 {
			s += fmt.Sprintf(" lines %d-%d", typed.StartLine, typed.EndLine)
		} else {
			s += fmt.Sprintf(" lines %d-", typed.StartLine)
		}
	}
	return s, nil
}

func (t *ReadFile) Execute(ctx context.Context, req Request) (string, error) {
	var typed readFileArgs
	if err := json.Unmarshal(req.Args, &typed); err != nil {
		return "", fmt.Errorf("Bad args: %v", err)
	}
	if strings.TrimSpace(typed.Path) == "" {
		return "", errors.New("Bad args: path must not be empty")
	}
	// Invisible characters in paths cause platform-dependent lookups and
	// can hide the real target from the user who approved the call.
	if strings.ContainsFunc(typed.Path, sanitize.IsInvisibleChar) {
		return "", errors.New("Bad args: path contains invisible characters")
	}
	if typed.StartLine < 0 || typed.EndLine < 0 {
		return "", errors.New("Bad args: line numbers must be >= 1")
	}
	if typed.StartLine > 0 && typed.EndLine > 0 && typed.StartLine > typed.EndLine {
		return "", errors.New("Bad args: start_line must be <= end_line")
	}

	path := typed.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(req.WorkingDir, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("read_file failed: %v", err)
	}
	if info.IsDir() {
		return "", errors.New("read_file failed: path is a directory")
	}

	var content string
	firstLine := 1
	if typed.StartLine == 0 && typed.EndLine == 0 {
		if info.Size() > int64(t.limits.MaxFileReadBytes) {
			return "", errors.New("read_file failed: file too large; use start_line/end_line")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read_file failed: %v", err)
		}
		content = string(data)
	} else {
		start := typed.StartLine
		if start == 0 {
			start = 1
		}
		content, err = readLineRange(path, start, typed.EndLine, t.limits.MaxScanBytes)
		if err != nil {
			return "", err
		}
		firstLine = start
	}

	if typed.LineNumbers == nil || *typed.LineNumbers {
		content = formatWithLineNumbers(content, firstLine)
	}
	return sanitize.Text(content), nil
}

// readLineRange returns lines start..end (1-based, inclusive; end 0
// means to EOF), refusing to scan past maxScan bytes.
func readLineRange(path string, start, end, maxScan int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("read_file failed: %v", err)
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanned := 0
	lineNum := 0
	for scanner.Scan() {
		line := scanner.Text()
		lineNum++
		scanned += len(line) + 1
		if scanned > maxScan {
			return "", errors.New("read_file failed: scanned too much data; narrow the line range")
		}
		if lineNum < start {
			continue
		}
		if end > 0 && lineNum > end {
			break
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read_file failed: %v", err)
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

func formatWithLineNumbers(content string, startLine int) string {
	if content == "" {
		return ""
	}
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	width := len(strconv.Itoa(startLine + len(lines) - 1))
	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%*d| %s\n", width, startLine+i, line)
	}
	out := b.String()
	if !strings.HasSuffix(content, "\n") {
		out = strings.TrimSuffix(out, "\n")
	}
	return out
}
