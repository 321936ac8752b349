package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omochice/lanchat/internal/client"
	"github.com/omochice/lanchat/pkg/protocol"
)

// consoleSink prints session events as lines of text.
type consoleSink struct {
	mu   sync.Mutex
	out  io.Writer
	gone chan struct{}
	once sync.Once
}

func newConsoleSink(out io.Writer) *consoleSink {
	return &consoleSink{out: out, gone: make(chan struct{})}
}

// Gone is closed once the session has disconnected.
func (c *consoleSink) Gone() <-chan struct{} {
	return c.gone
}

func (c *consoleSink) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *consoleSink) Connected(addr string) {
	c.printf("*** connected to %s ***", addr)
}

func (c *consoleSink) Disconnected(err error) {
	if err != nil {
		c.printf("*** disconnected: %v ***", err)
	} else {
		c.printf("*** disconnected ***")
	}
	c.once.Do(func() { close(c.gone) })
}

func (c *consoleSink) ChatReceived(sender, text string, at time.Time) {
	c.printf("[%s] %s: %s", at.Format(protocol.TimeLayout), sender, text)
}

func (c *consoleSink) SystemNotice(text string) {
	c.printf("*** %s ***", text)
}

func (c *consoleSink) FileProgress(done, total int64, name string) {
	if total <= 0 {
		c.printf("    %s: %d bytes", name, done)
		return
	}
	c.printf("    %s: %d/%d bytes (%d%%)", name, done, total, done*100/total)
}

func (c *consoleSink) FileReceived(path string, meta protocol.FileHeader) {
	kind := "file"
	if meta.IsImage {
		kind = "image"
	}
	c.printf("*** %s sent %s %s (%d bytes), saved to %s ***", meta.Sender, kind, meta.FileName, meta.Size, path)
}

func (c *consoleSink) TransferFailed(name string, err error) {
	c.printf("*** transfer of %s failed (%s): %v ***", name, protocol.OutcomeOf(err), err)
}

// runInput reads commands from in until EOF, "quit", or a lost connection.
func runInput(ctx context.Context, in io.Reader, c client.Client) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		if text == "quit" || text == "exit" || text == "/quit" {
			return nil
		}

		var err error
		if path, ok := strings.CutPrefix(text, "/file "); ok {
			err = c.SendFile(ctx, strings.TrimSpace(path), "")
		} else {
			err = c.SendText(text)
		}
		if errors.Is(err, client.ErrNotConnected) {
			return err
		}
		if err != nil {
			log.Error().Err(err).Msg("failed to send")
		}
	}
	return scanner.Err()
}
