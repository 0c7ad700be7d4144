// Package pinentry talks the Assuan protocol to an external pinentry
// program, the same dialog helpers GnuPG uses. It backs the prompt
// dialogs with whatever frontend the desktop provides.
package pinentry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/linux-tks/tks/internal/common"
	"github.com/linux-tks/tks/internal/locker"
	"github.com/linux-tks/tks/internal/logging"
)

const DefaultProgram = "pinentry"

// Pinentry spawns one pinentry process per dialog. It implements
// locker.Prompter.
type Pinentry struct {
	program string
	logger  logging.Logger
}

func New(program string, logger logging.Logger) *Pinentry {
	if program == "" {
		program = DefaultProgram
	}
	return &Pinentry{program: program, logger: logger}
}

func (p *Pinentry) AskPassphrase(ctx context.Context, req locker.PassphraseRequest) ([]byte, error) {
	c, err := p.start(ctx)
	if err != nil {
		return nil, err
	}
	defer c.close()

	if _, err := c.send("SETTITLE " + escape("Secret Service")); err != nil {
		return nil, err
	}
	if req.Description != "" {
		if _, err := c.send("SETDESC " + escape(req.Description)); err != nil {
			return nil, err
		}
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = "Passphrase"
	}
	if _, err := c.send("SETPROMPT " + escape(prompt)); err != nil {
		return nil, err
	}
	if req.Error != "" {
		if _, err := c.send("SETERROR " + escape(req.Error)); err != nil {
			return nil, err
		}
	}
	if req.Repeat {
		if _, err := c.send("SETREPEAT " + escape("Repeat")); err != nil {
			return nil, err
		}
	}

	data, err := c.send("GETPIN")
	if err != nil {
		return nil, err
	}
	pin, err := unescape(data)
	if err != nil {
		return nil, err
	}
	return []byte(pin), nil
}

func (p *Pinentry) Confirm(ctx context.Context, req locker.ConfirmRequest) (bool, error) {
	c, err := p.start(ctx)
	if err != nil {
		return false, err
	}
	defer c.close()

	if req.Description != "" {
		if _, err := c.send("SETDESC " + escape(req.Description)); err != nil {
			return false, err
		}
	}
	if req.OKLabel != "" {
		if _, err := c.send("SETOK " + escape(req.OKLabel)); err != nil {
			return false, err
		}
	}
	if req.CancelLabel != "" {
		if _, err := c.send("SETCANCEL " + escape(req.CancelLabel)); err != nil {
			return false, err
		}
	}

	if _, err := c.send("CONFIRM"); err != nil {
		if errors.Is(err, common.ErrorDismissed) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *Pinentry) start(ctx context.Context) (*conv, error) {
	p.logger.Debug(ctx, "starting pinentry dialog", "program", p.program)
	cmd := exec.CommandContext(ctx, p.program)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorDevice, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorDevice, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", common.ErrorDevice, p.program, err)
	}
	c := newConv(stdin, stdout)
	c.cmd = cmd
	if err := c.greeting(); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

// conv is one Assuan conversation. It is split from the process
// handling so the protocol logic is testable over plain pipes.
type conv struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out *bufio.Reader
}

func newConv(in io.WriteCloser, out io.Reader) *conv {
	return &conv{in: in, out: bufio.NewReader(out)}
}

// greeting consumes the server's initial OK line.
func (c *conv) greeting() error {
	_, err := c.readResponse()
	return err
}

// send issues one command and returns accumulated D-line data from the
// response. A user cancellation maps to common.ErrorDismissed.
func (c *conv) send(command string) (string, error) {
	if _, err := io.WriteString(c.in, command+"\n"); err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrorDevice, err)
	}
	return c.readResponse()
}

func (c *conv) readResponse() (string, error) {
	var data strings.Builder
	for {
		line, err := c.out.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("%w: %v", common.ErrorDevice, err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "OK" || strings.HasPrefix(line, "OK "):
			return data.String(), nil
		case strings.HasPrefix(line, "D "):
			data.WriteString(line[2:])
		case strings.HasPrefix(line, "ERR "):
			msg := line[4:]
			if isCancelled(msg) {
				return "", fmt.Errorf("%w: dialog dismissed", common.ErrorDismissed)
			}
			return "", fmt.Errorf("%w: pinentry: %s", common.ErrorDevice, msg)
		case strings.HasPrefix(line, "INQUIRE"):
			if _, err := io.WriteString(c.in, "END\n"); err != nil {
				return "", fmt.Errorf("%w: %v", common.ErrorDevice, err)
			}
		case line == "" || strings.HasPrefix(line, "S ") || strings.HasPrefix(line, "#"):
			// status and comment lines carry no answer
		default:
			return "", fmt.Errorf("%w: unexpected pinentry line %q", common.ErrorDevice, line)
		}
	}
}

// isCancelled matches the gpg-error text pinentry emits when the user
// hits cancel or the dialog times out.
func isCancelled(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "cancel") || strings.Contains(lower, "timeout")
}

func (c *conv) close() {
	io.WriteString(c.in, "BYE\n")
	c.in.Close()
	if c.cmd != nil {
		c.cmd.Wait()
	}
}

// escape encodes a string for an Assuan command argument: percent,
// carriage return and newline travel percent-encoded.
func escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%':
			b.WriteString("%25")
		case '\r':
			b.WriteString("%0D")
		case '\n':
			b.WriteString("%0A")
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func unescape(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 > len(s)-1 {
			return "", fmt.Errorf("%w: truncated percent escape", common.ErrorParameter)
		}
		var v byte
		if _, err := fmt.Sscanf(s[i+1:i+3], "%02X", &v); err != nil {
			return "", fmt.Errorf("%w: bad percent escape %q", common.ErrorParameter, s[i:i+3])
		}
		b.WriteByte(v)
		i += 2
	}
	return b.String(), nil
}
