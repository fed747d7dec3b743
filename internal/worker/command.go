package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
	"github.com/cbg-ethz/sigcomposer/internal/worker/configuration"
)

const stderrTailLines = 20

// Lines of the form "progress: 3/10 bootstrapping" on stderr are reported as job progress.
var progressLine = regexp.MustCompile(`^progress:\s*(\d+)/(\d+)\s*(.*)$`)

// CommandExecutor runs an external program for every job.
type CommandExecutor struct {
	config configuration.CommandConfig
}

func NewCommandExecutor(config configuration.CommandConfig) *CommandExecutor {
	return &CommandExecutor{config: config}
}

func (e *CommandExecutor) Execute(ctx context.Context, spec jobspec.JobSpec, progress ProgressFunc) ([]byte, error) {
	input, err := json.Marshal(spec)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cmd := exec.CommandContext(ctx, e.config.Path, e.config.Args...)
	cmd.Dir = e.config.WorkingDir
	cmd.Env = append(os.Environ(), e.config.Env...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", e.config.Path)
	}
	tail := scanStderr(stderr, progress)
	err = cmd.Wait()
	if ctx.Err() != nil {
		return nil, errors.WithStack(ctx.Err())
	}
	if err != nil {
		detail := strings.Join(tail, "\n")
		if detail == "" {
			return nil, errors.Wrapf(err, "%s failed", e.config.Path)
		}
		return nil, errors.Errorf("%s failed: %v: %s", e.config.Path, err, detail)
	}
	return stdout.Bytes(), nil
}

// scanStderr forwards progress lines and returns the last other lines for error reporting. It
// reads until the pipe is closed, which must happen before cmd.Wait is called.
func scanStderr(r io.Reader, progress ProgressFunc) []string {
	var tail []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if match := progressLine.FindStringSubmatch(line); match != nil {
			current, _ := strconv.Atoi(match[1])
			total, _ := strconv.Atoi(match[2])
			if progress != nil {
				progress(resultcache.Progress{Current: current, Total: total, Message: match[3]})
			}
			continue
		}
		if line == "" {
			continue
		}
		tail = append(tail, line)
		if len(tail) > stderrTailLines {
			tail = tail[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Warn("failed to read executor output")
		_, _ = io.Copy(io.Discard, r)
	}
	return tail
}
