package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/arkeep-io/parley/internal/bus"
	"github.com/arkeep-io/parley/internal/cache"
	"github.com/arkeep-io/parley/internal/connection"
	"github.com/arkeep-io/parley/internal/message"
)

// errLogout is returned by Run when the user ends the session with /logout.
var errLogout = errors.New("logout requested")

const helpText = `commands:
  /to <user> <text>     send a private message
  /broadcast <text>     send a broadcast (admins only)
  /open <user>          open the conversation with user
  /news                 open the broadcast conversation
  /close                close the open conversation
  /unread               list unread counts
  /logout               clear this session's history and exit
  /quit                 exit
text without a command goes to the open private conversation`

// chatClient is the part of chat.Service the console drives.
type chatClient interface {
	SendPrivate(ctx context.Context, recipient, content string) (message.Message, error)
	SendBroadcast(ctx context.Context, content string) error
	PrivateConversation(counterpart string) cache.Key
	BroadcastConversation() cache.Key
	OpenConversation(ctx context.Context, key cache.Key) ([]message.Message, error)
	CloseConversation()
	UnreadCounts(ctx context.Context) (map[cache.Key]int, error)
}

// repl is the line-oriented console. Listener callbacks print from the
// connection's goroutines, so all output goes through mu.
type repl struct {
	client chatClient

	mu   sync.Mutex
	out  io.Writer
	open *cache.Key
}

func newREPL(client chatClient, out io.Writer) *repl {
	return &repl{client: client, out: out}
}

// Run reads commands from in until EOF, /quit or /logout.
func (r *repl) Run(ctx context.Context, in io.Reader) error {
	r.printf("%s\n", helpText)

	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := r.exec(ctx, strings.TrimSpace(sc.Text())); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return sc.Err()
}

// exec runs one line. io.EOF means quit.
func (r *repl) exec(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		r.sendToOpen(ctx, line)
		return nil
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return io.EOF
	case "/logout":
		return errLogout
	case "/help":
		r.printf("%s\n", helpText)
	case "/to":
		recipient, text, _ := strings.Cut(rest, " ")
		if recipient == "" || strings.TrimSpace(text) == "" {
			r.printf("usage: /to <user> <text>\n")
			return nil
		}
		if _, err := r.client.SendPrivate(ctx, recipient, text); err != nil {
			r.printf("! send failed: %v\n", err)
		}
	case "/broadcast":
		if err := r.client.SendBroadcast(ctx, rest); err != nil {
			r.printf("! broadcast failed: %v\n", err)
		}
	case "/open":
		if rest == "" {
			r.printf("usage: /open <user>\n")
			return nil
		}
		r.openConversation(ctx, r.client.PrivateConversation(rest))
	case "/news":
		r.openConversation(ctx, r.client.BroadcastConversation())
	case "/close":
		r.client.CloseConversation()
		r.mu.Lock()
		r.open = nil
		r.mu.Unlock()
	case "/unread":
		r.showUnread(ctx)
	default:
		r.printf("unknown command %s, try /help\n", cmd)
	}
	return nil
}

func (r *repl) sendToOpen(ctx context.Context, text string) {
	r.mu.Lock()
	open := r.open
	r.mu.Unlock()

	if open == nil || open.Broadcast {
		r.printf("no private conversation open, use /open <user> or /to <user> <text>\n")
		return
	}
	if _, err := r.client.SendPrivate(ctx, open.Counterpart, text); err != nil {
		r.printf("! send failed: %v\n", err)
	}
}

func (r *repl) openConversation(ctx context.Context, key cache.Key) {
	history, err := r.client.OpenConversation(ctx, key)
	if err != nil {
		r.printf("! open failed: %v\n", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = &key
	fmt.Fprintf(r.out, "--- %s (%d messages) ---\n", key.Label(), len(history))
	for _, m := range history {
		fmt.Fprintln(r.out, formatMessage(m))
	}
}

func (r *repl) showUnread(ctx context.Context) {
	counts, err := r.client.UnreadCounts(ctx)
	if err != nil {
		r.printf("! unread failed: %v\n", err)
		return
	}
	if len(counts) == 0 {
		r.printf("no unread messages\n")
		return
	}

	lines := make([]string, 0, len(counts))
	for key, n := range counts {
		lines = append(lines, fmt.Sprintf("  %s: %d", key.Label(), n))
	}
	sort.Strings(lines)
	r.printf("%s\n", strings.Join(lines, "\n"))
}

func (r *repl) showMessage(m message.Message) {
	r.printf("%s\n", formatMessage(m))
}

func (r *repl) showNotification(n bus.Notification) {
	r.printf("(%d unread from %s)\n", n.Unread, n.Counterpart)
}

func (r *repl) showStatus(s connection.Status) {
	r.printf("* %s\n", s)
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func formatMessage(m message.Message) string {
	stamp := "--:--:--"
	if t := m.Time(); !t.IsZero() {
		stamp = t.Local().Format("15:04:05")
	}
	prefix := ""
	if m.Type == message.TypeBroadcast {
		prefix = "[broadcast] "
	}
	return fmt.Sprintf("[%s] %s%s: %s", stamp, prefix, m.Sender, m.Content)
}
