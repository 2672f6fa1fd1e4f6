package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/lobby/chatroom/internal/client"
	"github.com/lobby/chatroom/internal/protocol"
	"github.com/lobby/chatroom/internal/roomstate"
)

// roomSession is the part of client.Session the terminal drives.
type roomSession interface {
	Connect(ctx context.Context, displayName string) error
	Join(displayName string) error
	Disconnect() error
	Send(text string) error
}

// chat renders room events as lines of text and turns input lines into
// intents.
type chat struct {
	session roomSession
	state   *roomstate.State
	typist  *roomstate.Typist
	name    string

	mu       sync.Mutex
	out      io.Writer
	reopened bool // an EventOpened has been seen before
}

func newChat(session roomSession, state *roomstate.State, typist *roomstate.Typist, name string, out io.Writer) *chat {
	return &chat{session: session, state: state, typist: typist, name: name, out: out}
}

// loop reads input until EOF, /quit or ctx is done. Every rune of a chat
// line counts as a keystroke for the typing indicator; command lines do not.
func (c *chat) loop(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	resume := make(chan struct{})
	readErr := make(chan error, 1)
	go func() {
		rd := bufio.NewReader(in)
		var line strings.Builder
		for {
			r, _, err := rd.ReadRune()
			if err != nil {
				readErr <- err
				return
			}
			if r != '\n' {
				line.WriteRune(r)
				if !strings.HasPrefix(line.String(), "/") {
					c.typist.Keystroke()
				}
				continue
			}

			// Hand the line over and wait until it has been handled, so
			// nothing after /quit is read.
			select {
			case lines <- line.String():
			case <-ctx.Done():
				return
			}
			line.Reset()
			select {
			case <-resume:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case line := <-lines:
			if c.handleLine(ctx, line) {
				return nil
			}
			resume <- struct{}{}
		}
	}
}

// handleLine runs one input line and reports whether the user asked to
// quit.
func (c *chat) handleLine(ctx context.Context, line string) bool {
	text := strings.TrimSpace(line)
	switch text {
	case "":
	case "/quit":
		return true
	case "/who":
		c.printUsers()
	case "/rejoin":
		if err := c.session.Join(c.name); err != nil {
			c.printf("* cannot rejoin: %v", err)
		}
	case "/reconnect":
		if err := c.session.Connect(ctx, c.name); err != nil {
			c.printf("* reconnect failed: %v", err)
		}
	default:
		err := c.session.Send(text)
		c.typist.MessageSent()
		if err != nil {
			c.printf("* not sent: %v", err)
		}
	}
	return false
}

// quit stops the typing indicator and leaves the room.
func (c *chat) quit() {
	c.typist.Stop()
	_ = c.session.Disconnect()
}

// render is a client.Handler printing each event.
func (c *chat) render(ev client.Event) {
	switch m := ev.Msg.(type) {
	case protocol.PresenceSnapshotMsg:
		names := make([]string, len(m.Participants))
		for i, p := range m.Participants {
			names[i] = p.DisplayName
		}
		c.printf("* %d online: %s", len(names), strings.Join(names, ", "))
	case protocol.PresenceJoinedMsg:
		c.printf("* %s joined the chat (%d online)", m.DisplayName, m.TotalCount)
	case protocol.PresenceLeftMsg:
		c.printf("* %s left the chat (%d online)", m.DisplayName, m.TotalCount)
	case protocol.MessageReceivedMsg:
		c.printf("[%s] %s: %s", m.SentAt.Local().Format("15:04:05"), m.AuthorDisplayName, m.Text)
	case protocol.TypingChangedMsg:
		if m.IsTyping {
			c.printf("* %s is typing...", m.DisplayName)
		}
	}

	switch ev.Type {
	case client.EventOpened:
		c.mu.Lock()
		again := c.reopened
		c.reopened = true
		c.mu.Unlock()
		if again {
			c.printf("* reconnected; /rejoin to join as %s again", c.name)
		}
	case client.EventClosed:
		if !ev.Manual {
			c.typist.Stop()
			c.printf("* connection lost, reconnecting...")
		}
	case client.EventExhausted:
		c.printf("* could not reconnect; /reconnect to try again or /quit")
	}
}

func (c *chat) printUsers() {
	users := c.state.Users()
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = u.DisplayName
	}
	c.printf("* %d online: %s", len(names), strings.Join(names, ", "))

	if typing := c.state.Typing(); len(typing) > 0 {
		names = names[:0]
		for _, u := range typing {
			names = append(names, u.DisplayName)
		}
		c.printf("* typing: %s", strings.Join(names, ", "))
	}
}

func (c *chat) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}
