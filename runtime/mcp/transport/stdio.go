package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// stdioConn speaks to a subprocess over its stdin and stdout.
type stdioConn struct {
	name    string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	framing Framing

	frames   chan []byte
	readDone chan struct{}
	readErr  error

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// maxLineFrame bounds frames read from a subprocess.
const maxLineFrame = 32 << 20

func dialStdio(_ context.Context, args []string, opts Options) (Conn, error) {
	// The process must outlive the dial context, Close terminates it.
	cmd := exec.Command(args[0], args[1:]...) // #nosec G204 -- command line is operator supplied configuration.
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	c := &stdioConn{
		name:     strings.Join(args, " "),
		cmd:      cmd,
		stdin:    stdin,
		framing:  opts.Framing,
		frames:   make(chan []byte),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go c.readLoop(stdout)
	if stderr != nil {
		go func() { _, _ = io.Copy(io.Discard, stderr) }()
	}
	return c, nil
}

// Send writes frame to the subprocess stdin using the configured framing. A
// write still blocked when ctx is done leaves a partial frame on the pipe, so
// the connection is closed.
func (c *stdioConn) Send(ctx context.Context, frame []byte) error {
	if c.framing == FramingNewline && bytes.ContainsAny(frame, "\r\n") {
		return &ConnectionError{Endpoint: c.name, Op: "send", Err: fmt.Errorf("%w: embedded newline", ErrMalformedFrame)}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return &ConnectionError{Endpoint: c.name, Op: "send", Err: ErrClosed}
	default:
	}
	written := make(chan error, 1)
	go func() { written <- writeFrame(c.stdin, c.framing, frame) }()
	select {
	case err := <-written:
		if err != nil {
			return &ConnectionError{Endpoint: c.name, Op: "send", Err: err}
		}
		return nil
	case <-ctx.Done():
		_ = c.Close()
		return &ConnectionError{Endpoint: c.name, Op: "send", Err: fmt.Errorf("write stalled: %w", ctx.Err())}
	case <-c.closed:
		return &ConnectionError{Endpoint: c.name, Op: "send", Err: ErrClosed}
	}
}

// Receive returns the next frame written by the subprocess.
func (c *stdioConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.readDone:
		return nil, &ConnectionError{Endpoint: c.name, Op: "receive", Err: c.readErr}
	case <-c.closed:
		return nil, &ConnectionError{Endpoint: c.name, Op: "receive", Err: ErrClosed}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates the subprocess and releases its pipes.
func (c *stdioConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
		if c.cmd != nil && c.cmd.ProcessState == nil {
			_ = c.cmd.Process.Kill()
		}
		if c.cmd != nil {
			_ = c.cmd.Wait()
		}
	})
	return nil
}

func (c *stdioConn) readLoop(stdout io.Reader) {
	defer close(c.readDone)
	reader := bufio.NewReader(stdout)
	for {
		frame, err := readFrame(reader, c.framing)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: process exited", ErrClosed)
			}
			c.readErr = err
			return
		}
		select {
		case c.frames <- frame:
		case <-c.closed:
			c.readErr = ErrClosed
			return
		}
	}
}

func writeFrame(w io.Writer, framing Framing, frame []byte) error {
	if framing == FramingContentLength {
		if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame)); err != nil {
			return err
		}
		_, err := w.Write(frame)
		return err
	}
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

func readFrame(reader *bufio.Reader, framing Framing) ([]byte, error) {
	if framing == FramingContentLength {
		return readContentLengthFrame(reader)
	}
	for {
		line, err := readLine(reader)
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func readLine(reader *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxLineFrame {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedFrame, maxLineFrame)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func readContentLengthFrame(reader *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				continue
			}
			break
		}
		if after, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(after))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: bad content-length %q", ErrMalformedFrame, after)
			}
			if n > maxLineFrame {
				return nil, fmt.Errorf("%w: content-length %d exceeds %d bytes", ErrMalformedFrame, n, maxLineFrame)
			}
			length = n
		}
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
