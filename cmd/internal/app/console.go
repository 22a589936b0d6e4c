package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"pairline/cmd/internal/chat"
	"pairline/cmd/internal/restclient"
)

const consoleHelp = `commands:
  /signup <email> <password> [name]   create an account and sign in
  /login <email> <password>           sign in
  /logout                             sign out
  /chat <email>                       open the conversation with a peer
  /leave                              close the active conversation
  /history                            print the active conversation
  /retry [id]                         resend failed messages (all, or one id)
  /status                             show session and connection state
  /quit                               exit
anything else is sent to the active conversation`

// Accounts is the identity collaborator used by the console.
type Accounts interface {
	Login(ctx context.Context, email, password string) (chat.Session, error)
	Signup(ctx context.Context, name, email, password string) (chat.Session, error)
}

// Console is the line-oriented front end. It drives a chat.Service and is
// that service's chat.Listener.
type Console struct {
	mu  sync.Mutex // guards out
	out io.Writer

	accounts Accounts
	core     *chat.Service
	timeout  time.Duration
	now      func() time.Time
}

// NewConsole returns a console writing to out. Bind must be called before Exec.
func NewConsole(out io.Writer, accounts Accounts, timeout time.Duration) *Console {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Console{out: out, accounts: accounts, timeout: timeout, now: time.Now}
}

// Bind attaches the service the console drives.
func (c *Console) Bind(core *chat.Service) { c.core = core }

// Run reads commands from in until /quit, EOF or ctx cancellation.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	c.printf("pairline - type /help for commands\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if quit := c.Exec(ctx, line); quit {
				return nil
			}
		}
	}
}

// Exec runs one input line. It reports whether the console should exit.
func (c *Console) Exec(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.send(ctx, line)
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)

	switch strings.ToLower(cmd) {
	case "/help":
		c.printf("%s\n", consoleHelp)
	case "/quit", "/exit":
		return true
	case "/signup":
		if len(args) < 2 {
			c.printf("usage: /signup <email> <password> [name]\n")
			return false
		}
		c.signIn(ctx, func(ctx context.Context) (chat.Session, error) {
			return c.accounts.Signup(ctx, strings.Join(args[2:], " "), args[0], args[1])
		})
	case "/login":
		if len(args) != 2 {
			c.printf("usage: /login <email> <password>\n")
			return false
		}
		c.signIn(ctx, func(ctx context.Context) (chat.Session, error) {
			return c.accounts.Login(ctx, args[0], args[1])
		})
	case "/logout":
		c.core.SignOut()
		c.printf("signed out\n")
	case "/chat":
		if len(args) != 1 {
			c.printf("usage: /chat <email>\n")
			return false
		}
		c.open(ctx, args[0])
	case "/leave":
		c.core.Leave()
		c.printf("left the conversation\n")
	case "/history":
		c.printHistory()
	case "/retry":
		c.retry(ctx, args)
	case "/status":
		c.printStatus()
	default:
		c.printf("unknown command %s (try /help)\n", cmd)
	}
	return false
}

func (c *Console) signIn(ctx context.Context, fn func(context.Context) (chat.Session, error)) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sess, err := fn(cctx)
	if err != nil {
		c.printf("! %s\n", describeError(err))
		return
	}
	if err := c.core.SignIn(sess); err != nil {
		c.printf("! %s\n", describeError(err))
		return
	}
	name := sess.DisplayName
	if name == "" {
		name = sess.UserID
	}
	c.printf("signed in as %s\n", name)
}

func (c *Console) open(ctx context.Context, peer string) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.core.Open(cctx, peer)
	switch {
	case err == nil:
		conv, _ := c.core.Conversation()
		c.printf("chatting with %s\n", conv.Peer)
	case chat.IsTransport(err):
		// Alerted by the service; the conversation is active without live updates.
		conv, _ := c.core.Conversation()
		c.printf("chatting with %s (offline)\n", conv.Peer)
	case chat.IsFetch(err):
		// Alert already printed.
	default:
		c.printf("! %s\n", describeError(err))
	}
}

func (c *Console) send(ctx context.Context, content string) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.core.Send(cctx, content)
	if err != nil && !chat.IsSend(err) && !chat.IsTransport(err) {
		c.printf("! %s\n", describeError(err))
	}
}

func (c *Console) retry(ctx context.Context, args []string) {
	var ids []string
	if len(args) > 0 {
		ids = args
	} else {
		for _, m := range c.core.Messages() {
			if m.State == chat.Failed {
				ids = append(ids, m.ID)
			}
		}
	}
	if len(ids) == 0 {
		c.printf("nothing to retry\n")
		return
	}

	for _, id := range ids {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		m, err := c.core.Retry(cctx, id)
		cancel()
		switch {
		case err == nil:
			c.printf("delivered: %s\n", m.Content)
		case chat.IsSend(err), chat.IsTransport(err):
		default:
			c.printf("! %s: %s\n", id, describeError(err))
		}
	}
}

func (c *Console) printHistory() {
	conv, ok := c.core.Conversation()
	if !ok {
		c.printf("no active conversation\n")
		return
	}
	msgs := c.core.Messages()
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "-- %s (%d) --\n", conv.Peer, len(msgs))
	for _, m := range msgs {
		fmt.Fprintln(c.out, formatMessage(m, conv.Local))
	}
}

func (c *Console) printStatus() {
	st := c.core.State()
	sess, ok := st.Session()
	if !ok {
		c.printf("state=%s\n", st.Phase())
		return
	}
	if conv, ok := st.Conversation(); ok {
		c.printf("state=%s user=%s peer=%s conn=%s\n", st.Phase(), sess.UserID, conv.Peer, c.core.ConnectionState())
		return
	}
	c.printf("state=%s user=%s\n", st.Phase(), sess.UserID)
}

// LogReset implements chat.Listener.
func (c *Console) LogReset(msgs []chat.Message) {
	if len(msgs) == 0 || c.core == nil {
		return
	}
	conv, _ := c.core.Conversation()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		fmt.Fprintln(c.out, formatMessage(m, conv.Local))
	}
}

// MessageAppended implements chat.Listener.
func (c *Console) MessageAppended(m chat.Message) {
	local := ""
	if c.core != nil {
		if conv, ok := c.core.Conversation(); ok {
			local = conv.Local
		}
	}
	c.printf("%s\n", formatMessage(m, local))
}

// MessageUpdated implements chat.Listener.
func (c *Console) MessageUpdated(m chat.Message) {
	if m.State == chat.Failed {
		c.printf("! not delivered: %q (/retry %s)\n", m.Content, m.ID)
	}
}

// Alert implements chat.Listener.
func (c *Console) Alert(err error) {
	c.printf("! %s\n", describeError(err))
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// formatMessage renders one log entry. local marks own messages with "me".
func formatMessage(m chat.Message, local string) string {
	who := m.From
	if local != "" && m.From == local {
		who = "me"
	}
	ts := "--:--"
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.Local().Format("15:04")
	}
	line := fmt.Sprintf("[%s] %s: %s", ts, who, m.Content)
	switch m.State {
	case chat.Pending:
		line += " (sending)"
	case chat.Failed:
		line += " (failed)"
	}
	return line
}

// describeError renders an error for the console user.
func describeError(err error) string {
	var apiErr *restclient.APIError
	prefix := ""
	switch {
	case chat.IsAuth(err):
		prefix = "sign-in failed"
	case chat.IsFetch(err):
		prefix = "could not load history"
	case chat.IsSend(err):
		prefix = "message not delivered"
	case chat.IsTransport(err):
		prefix = "live updates unavailable"
	}

	detail := err.Error()
	if errors.As(err, &apiErr) {
		detail = apiErr.Message
		if detail == "" {
			detail = apiErr.Error()
		}
	}
	switch {
	case errors.Is(err, chat.ErrNotAuthenticated):
		return "sign in first (/login or /signup)"
	case errors.Is(err, chat.ErrNoConversation):
		return "open a conversation first (/chat <email>)"
	case prefix == "":
		return detail
	default:
		return prefix + ": " + detail
	}
}
