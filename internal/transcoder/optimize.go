package transcoder

import (
	"bytes"
	"fmt"
	"os/exec"
)

// Optimizer rewrites an encoded JPEG losslessly.
type Optimizer interface {
	Optimize(data []byte) ([]byte, error)
}

// Jpegtran runs jpegtran (libjpeg-turbo or mozjpeg) to produce a progressive
// JPEG with optimised Huffman tables. The pixels are not touched.
type Jpegtran struct {
	path string
}

// NewJpegtran resolves the jpegtran binary. An empty path means "jpegtran" on PATH.
func NewJpegtran(path string) (*Jpegtran, error) {
	if path == "" {
		path = "jpegtran"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("jpegtran not found: %w", err)
	}
	return &Jpegtran{path: resolved}, nil
}

// Path returns the resolved binary.
func (j *Jpegtran) Path() string {
	return j.path
}

// Optimize pipes data through jpegtran -optimize -progressive.
func (j *Jpegtran) Optimize(data []byte) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(j.path, "-copy", "none", "-optimize", "-progressive")
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("jpegtran failed: %w, output: %s", err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("jpegtran produced no output")
	}
	return stdout.Bytes(), nil
}
