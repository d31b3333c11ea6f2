package engine

import (
	"bufio"
	"context"
	"copybot/internal/models"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Confirmer decides whether an eligible order is copied when confirmation is required.
type Confirmer interface {
	Confirm(ctx context.Context, order models.OrderRecord, followers int) (bool, error)
}

type AutoConfirm struct{}

func (AutoConfirm) Confirm(context.Context, models.OrderRecord, int) (bool, error) {
	return true, nil
}

type consoleAnswer struct {
	line string
	err  error
}

// ConsoleConfirmer asks the operator on a terminal. One goroutine owns the reader for the
// confirmer's lifetime; an answer to a prompt abandoned on cancellation is discarded.
type ConsoleConfirmer struct {
	mu      sync.Mutex
	out     io.Writer
	lines   chan consoleAnswer
	discard int
}

func NewConsoleConfirmer(in io.Reader, out io.Writer) *ConsoleConfirmer {
	c := &ConsoleConfirmer{out: out, lines: make(chan consoleAnswer)}
	go c.readLines(bufio.NewReader(in))
	return c
}

func (c *ConsoleConfirmer) readLines(in *bufio.Reader) {
	defer close(c.lines)
	for {
		line, err := in.ReadString('\n')
		if line != "" {
			c.lines <- consoleAnswer{line: line}
		}
		if err != nil {
			c.lines <- consoleAnswer{err: err}
			return
		}
	}
}

func (c *ConsoleConfirmer) Confirm(ctx context.Context, order models.OrderRecord, followers int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "Скопировать %s %s %s x%d на %d аккаунт(ов)? (yes/no): ",
		order.TransactionType, order.OrderType, order.Symbol, order.Quantity, followers)

	for {
		select {
		case <-ctx.Done():
			c.discard++
			return false, ctx.Err()
		case a, ok := <-c.lines:
			if !ok {
				return false, fmt.Errorf("чтение подтверждения: %w", io.EOF)
			}
			if a.err != nil {
				return false, fmt.Errorf("чтение подтверждения: %w", a.err)
			}
			if c.discard > 0 {
				c.discard--
				continue
			}
			switch strings.ToLower(strings.TrimSpace(a.line)) {
			case "yes", "y":
				return true, nil
			}
			return false, nil
		}
	}
}
