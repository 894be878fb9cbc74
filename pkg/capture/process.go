package capture

import (
	"io"
	"os/exec"
)

// ffmpegProcess is a running ffmpeg whose stdout is drained by one reader
// goroutine. Only that reader waits for the process, after its last read.
type ffmpegProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	done   chan struct{}
}

func startProcess(cmd *exec.Cmd) (*ffmpegProcess, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &ffmpegProcess{cmd: cmd, stdout: stdout, done: make(chan struct{})}, nil
}

// kill stops the process. It may be called from any goroutine, any number of times.
func (p *ffmpegProcess) kill() {
	p.cmd.Process.Kill()
}

// wait reaps the process and releases everyone blocked in stopped
func (p *ffmpegProcess) wait() {
	p.cmd.Wait()
	close(p.done)
}

// stopped is closed once the process has been reaped
func (p *ffmpegProcess) stopped() <-chan struct{} {
	return p.done
}
