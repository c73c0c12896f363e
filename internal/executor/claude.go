package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/claude-task-pool/internal/domain"
)

// ClaudeRunner runs tasks through the claude CLI in non-interactive mode
type ClaudeRunner struct {
	Binary    string   // Defaults to "claude"
	ExtraArgs []string // Appended before the prompt
	Debug     bool
}

// Open implements Runner. The process is started by Prompt.
func (r *ClaudeRunner) Open(ctx context.Context, opts SessionOptions) (Session, error) {
	binary := r.Binary
	if binary == "" {
		binary = "claude"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("claude CLI not found: %w", err)
	}
	return &claudeSession{runner: r, binary: binary, opts: opts}, nil
}

type claudeSession struct {
	runner *ClaudeRunner
	binary string
	opts   SessionOptions

	mu      sync.Mutex
	cmd     *exec.Cmd
	aborted bool
}

func (s *claudeSession) args(prompt string) []string {
	args := []string{
		"--print",                        // Non-interactive mode
		"--verbose",                      // Required for stream-json output
		"--dangerously-skip-permissions", // Skip permission prompts
		"--output-format", "stream-json",
	}
	if s.opts.Profile.Model != "" {
		args = append(args, "--model", s.opts.Profile.Model)
	}
	if s.opts.Profile.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(s.opts.Profile.MaxTurns))
	}
	if s.opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", s.opts.SystemPrompt)
	}
	args = append(args, s.runner.ExtraArgs...)
	return append(args, "-p", prompt)
}

func (s *claudeSession) Prompt(ctx context.Context, prompt string, onDelta DeltaFunc) (RunStats, error) {
	cmd := exec.CommandContext(ctx, s.binary, s.args(prompt)...)
	cmd.Dir = s.opts.Cwd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunStats{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return RunStats{}, err
	}

	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return RunStats{}, fmt.Errorf("session aborted")
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return RunStats{}, fmt.Errorf("starting claude: %w", err)
	}
	s.cmd = cmd
	s.mu.Unlock()

	parser := newStreamParser(s.opts.Cwd)
	var stderrTail []string

	var g errgroup.Group
	g.Go(func() error {
		return scanLines(stdout, func(line string) {
			if delta := parser.feed(line); delta != "" && onDelta != nil {
				onDelta(delta)
			}
		})
	})
	g.Go(func() error {
		return scanLines(stderr, func(line string) {
			if s.runner.Debug {
				log.Printf("[claude] %s", line)
			}
			stderrTail = append(stderrTail, line)
			if len(stderrTail) > 20 {
				stderrTail = stderrTail[1:]
			}
		})
	})
	scanErr := g.Wait()
	waitErr := cmd.Wait()

	s.mu.Lock()
	s.cmd = nil
	s.mu.Unlock()

	stats := parser.stats()
	switch {
	case waitErr != nil:
		if msg := parser.errorMessage(); msg != "" {
			return stats, fmt.Errorf("%v: %s", waitErr, msg)
		}
		if len(stderrTail) > 0 {
			return stats, fmt.Errorf("%v: %s", waitErr, strings.Join(stderrTail, "\n"))
		}
		return stats, waitErr
	case scanErr != nil:
		return stats, fmt.Errorf("reading claude output: %w", scanErr)
	case parser.isError:
		return stats, fmt.Errorf("claude reported an error: %s", parser.errorMessage())
	}
	return stats, nil
}

func (s *claudeSession) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	if s.cmd != nil {
		s.cmd.Process.Kill()
	}
}

func (s *claudeSession) Close() error {
	s.Abort()
	return nil
}

func scanLines(r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	// Increase buffer size for long JSON lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	return scanner.Err()
}

// streamMessage covers the stream-json line types the runner cares about
type streamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message struct {
		Content []struct {
			Type  string `json:"type"`
			Text  string `json:"text,omitempty"`
			Name  string `json:"name,omitempty"`
			Input struct {
				FilePath     string `json:"file_path,omitempty"`
				NotebookPath string `json:"notebook_path,omitempty"`
			} `json:"input,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`
	Result       string      `json:"result,omitempty"`
	IsError      bool        `json:"is_error,omitempty"`
	Error        string      `json:"error,omitempty"`
	Usage        streamUsage `json:"usage,omitempty"`
	TotalCostUSD *float64    `json:"total_cost_usd,omitempty"`
	CostUSD      *float64    `json:"cost_usd,omitempty"`
}

type streamUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// writeTools are the tool names whose file_path input modifies a file
var writeTools = map[string]bool{
	"Edit":         true,
	"MultiEdit":    true,
	"Write":        true,
	"NotebookEdit": true,
}

type streamParser struct {
	cwd string

	usage        domain.Usage
	cost         float64
	costReported bool
	files        []string
	isError      bool
	errMsg       string
	sawText      bool
}

func newStreamParser(cwd string) *streamParser {
	return &streamParser{cwd: cwd}
}

// feed consumes one line and returns any assistant text it carried.
// Lines that are not JSON are passed through as output.
func (p *streamParser) feed(line string) string {
	if strings.TrimSpace(line) == "" {
		return ""
	}
	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return line + "\n"
	}

	switch msg.Type {
	case "assistant":
		var sb strings.Builder
		for _, c := range msg.Message.Content {
			switch c.Type {
			case "text":
				sb.WriteString(c.Text)
			case "tool_use":
				if !writeTools[c.Name] {
					continue
				}
				path := c.Input.FilePath
				if path == "" {
					path = c.Input.NotebookPath
				}
				if rel := p.relative(path); rel != "" {
					p.files = append(p.files, rel)
				}
			}
		}
		if sb.Len() > 0 {
			p.sawText = true
		}
		return sb.String()
	case "result":
		p.usage = domain.Usage{
			InputTokens:      msg.Usage.InputTokens,
			OutputTokens:     msg.Usage.OutputTokens,
			CacheReadTokens:  msg.Usage.CacheReadInputTokens,
			CacheWriteTokens: msg.Usage.CacheCreationInputTokens,
		}
		switch {
		case msg.TotalCostUSD != nil:
			p.cost, p.costReported = *msg.TotalCostUSD, true
		case msg.CostUSD != nil:
			p.cost, p.costReported = *msg.CostUSD, true
		}
		if msg.IsError {
			p.isError = true
			p.errMsg = msg.Result
			if p.errMsg == "" {
				p.errMsg = msg.Subtype
			}
		}
		// Some runs only report their answer in the result line
		if !p.sawText && msg.Result != "" && !msg.IsError {
			return msg.Result
		}
	case "error":
		p.isError = true
		p.errMsg = msg.Error
	}
	return ""
}

func (p *streamParser) relative(path string) string {
	if path == "" {
		return ""
	}
	if !filepath.IsAbs(path) {
		return filepath.ToSlash(filepath.Clean(path))
	}
	rel, err := filepath.Rel(p.cwd, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}

func (p *streamParser) errorMessage() string {
	return p.errMsg
}

func (p *streamParser) stats() RunStats {
	return RunStats{
		Usage:        p.usage,
		CostUSD:      p.cost,
		CostReported: p.costReported,
		ChangedFiles: p.files,
	}
}
