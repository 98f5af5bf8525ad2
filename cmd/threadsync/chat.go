package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/floegence/threadsync/internal/engine"
	"github.com/floegence/threadsync/internal/store"
	"github.com/floegence/threadsync/internal/timeline"
)

const chatHelp = `Commands:
  /new [TITLE]     start a new thread
  /threads         list loaded threads
  /more            load more threads
  /switch ID       display another thread
  /rename TITLE    rename the current thread
  /pin, /unpin     pin or unpin the current thread
  /delete          delete the current thread
  /older           load older messages
  /search TEXT     send TEXT with web search
  /regen           regenerate the last reply
  /retry           retry the last failed or cancelled message
  /edit TEXT       replace the last question
  /versions        list versions of the last reply
  /version N       show version N of the last reply
  /quit            exit
Ctrl-C cancels a reply in progress.
`

func newChatCmd(g *globalFlags) *cobra.Command {
	var threadID string
	var search, noAI bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat in the current thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			c := &chat{out: cmd.OutOrStdout(), search: search, noAI: noAI}
			e, err := g.openEngine(ctx, engine.WithListener(c.onUpdate))
			if err != nil {
				return err
			}
			defer e.Close()
			c.e = e
			ctx = e.Context(ctx)

			if _, err := e.Start(ctx); err != nil {
				return err
			}
			if id := strings.TrimSpace(threadID); id != "" {
				if _, err := e.SwitchThread(ctx, id); err != nil {
					return err
				}
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt)
			defer signal.Stop(sigs)
			go func() {
				for range sigs {
					if !c.interrupt() {
						cancel()
						return
					}
				}
			}()

			c.printHistory()
			return c.loop(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread to open (default: most recent)")
	cmd.Flags().BoolVar(&search, "search", false, "Augment every message with web search")
	cmd.Flags().BoolVar(&noAI, "no-ai", false, "Save messages without asking for replies")
	return cmd
}

type chat struct {
	e      *engine.Engine
	out    io.Writer
	search bool
	noAI   bool

	mu        sync.Mutex
	streaming bool
}

func (c *chat) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	c.prompt()
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		quit, err := c.handle(ctx, scanner.Text())
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
		c.prompt()
	}
	return scanner.Err()
}

func (c *chat) prompt() {
	fmt.Fprint(c.out, "> ")
}

// onUpdate prints streamed reply fragments as they arrive.
func (c *chat) onUpdate(u timeline.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case u.Delta != "":
		if !c.streaming {
			fmt.Fprint(c.out, "assistant: ")
			c.streaming = true
		}
		fmt.Fprint(c.out, u.Delta)
	case u.State == timeline.StateRetrying:
		if c.streaming {
			fmt.Fprintln(c.out)
			c.streaming = false
		}
		fmt.Fprintln(c.out, "[retrying]")
	}
}

func (c *chat) endStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streaming {
		fmt.Fprintln(c.out)
		c.streaming = false
	}
}

// interrupt cancels every message still in flight in the displayed thread. It reports
// whether there was anything to cancel.
func (c *chat) interrupt() bool {
	if c.e == nil {
		return false
	}
	cancelled := false
	for _, m := range c.e.Timeline().Messages() {
		if m.State.InFlight() && c.e.Timeline().CancelMessage(m.ID) {
			cancelled = true
		}
	}
	return cancelled
}

func (c *chat) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, c.send(ctx, timeline.SendRequest{Content: line, ForceSearch: c.search, SkipAIResponse: c.noAI})
	}
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	reg, tl := c.e.Threads(), c.e.Timeline()

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprint(c.out, chatHelp)
	case "/new":
		th, err := c.e.NewThread(ctx, arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "[thread %s: %s]\n", th.ID, th.Title)
	case "/threads":
		return false, printThreads(c.out, "text", reg.Threads(), reg.CurrentID())
	case "/more":
		n, err := reg.LoadMoreThreads(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "[%d more threads]\n", n)
		return false, printThreads(c.out, "text", reg.Threads(), reg.CurrentID())
	case "/switch":
		if arg == "" {
			return false, errors.New("usage: /switch ID")
		}
		if _, err := c.e.SwitchThread(ctx, arg); err != nil {
			return false, err
		}
		c.printHistory()
	case "/rename":
		if arg == "" {
			return false, errors.New("usage: /rename TITLE")
		}
		_, err := reg.RenameThread(ctx, tl.ActiveThreadID(), arg)
		return false, err
	case "/pin", "/unpin":
		_, err := reg.PinThread(ctx, tl.ActiveThreadID(), name == "/pin")
		return false, err
	case "/delete":
		if err := c.e.DeleteThread(ctx, tl.ActiveThreadID()); err != nil {
			return false, err
		}
		c.printHistory()
	case "/older":
		if !tl.HasMore() {
			fmt.Fprintln(c.out, "[no older messages]")
			return false, nil
		}
		if _, err := tl.LoadOlder(ctx); err != nil {
			return false, err
		}
		c.printHistory()
	case "/search":
		if arg == "" {
			return false, errors.New("usage: /search TEXT")
		}
		return false, c.send(ctx, timeline.SendRequest{Content: arg, ForceSearch: true})
	case "/regen":
		m, ok := c.last(store.RoleAssistant)
		if !ok {
			return false, errors.New("no reply to regenerate")
		}
		e, err := tl.RegenerateResponse(ctx, m.ID)
		c.endStream()
		if err == nil && e.State == timeline.StateCancelled {
			fmt.Fprintln(c.out, "[cancelled]")
		}
		return false, err
	case "/retry":
		msgs := tl.Messages()
		for i := len(msgs) - 1; i >= 0; i-- {
			if s := msgs[i].State; s == timeline.StateFailed || s == timeline.StateCancelled {
				res, err := tl.RetryMessage(ctx, msgs[i].ID)
				c.endStream()
				c.report(res)
				return false, err
			}
		}
		return false, errors.New("nothing to retry")
	case "/edit":
		m, ok := c.last(store.RoleUser)
		if !ok || arg == "" {
			return false, errors.New("usage: /edit TEXT (after sending a message)")
		}
		e, err := tl.EditMessage(ctx, m.ID, arg)
		if err == nil && e.State == timeline.StateCancelled {
			fmt.Fprintln(c.out, "[cancelled]")
		}
		return false, err
	case "/versions":
		m, ok := c.last(store.RoleAssistant)
		if !ok {
			return false, errors.New("no reply yet")
		}
		versions, err := tl.ListVersions(ctx, m.ID)
		if err != nil {
			return false, err
		}
		for _, v := range versions {
			marker := " "
			if v.Number == m.DisplayedVersion {
				marker = "*"
			}
			fmt.Fprintf(c.out, "%s v%d (%s): %s\n", marker, v.Number, v.CreatedBy, store.TruncateRunes(v.Content, 80))
		}
	case "/version":
		m, ok := c.last(store.RoleAssistant)
		n, err := strconv.Atoi(arg)
		if !ok || err != nil {
			return false, errors.New("usage: /version N")
		}
		e, err := tl.SwitchMessageVersion(ctx, m.ID, n)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "assistant (v%d/%d): %s\n", e.DisplayedVersion, e.VersionCount, e.Content)
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

func (c *chat) send(ctx context.Context, req timeline.SendRequest) error {
	res, err := c.e.Timeline().SendMessage(ctx, req)
	c.endStream()
	c.report(res)
	return err
}

func (c *chat) report(res *timeline.SendResult) {
	if res == nil {
		return
	}
	if res.Cancelled {
		fmt.Fprintln(c.out, "[cancelled]")
	}
	if res.Search != nil {
		fmt.Fprintf(c.out, "[searched the web: %d sources]\n", len(res.Search.Sources))
		for i, s := range res.Search.Sources {
			fmt.Fprintf(c.out, "  [%d] %s\n", i+1, s.URL)
		}
		for _, q := range res.Search.FollowUps {
			fmt.Fprintf(c.out, "  follow-up: %s\n", q)
		}
	}
}

func (c *chat) last(role store.Role) (timeline.Entry, bool) {
	msgs := c.e.Timeline().Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role && msgs[i].Saved {
			return msgs[i], true
		}
	}
	return timeline.Entry{}, false
}

func (c *chat) printHistory() {
	id := c.e.Timeline().ActiveThreadID()
	if th, ok := c.e.Threads().Get(id); ok {
		fmt.Fprintf(c.out, "== %s (%s) ==\n", th.Title, th.ID)
	}
	if c.e.Timeline().HasMore() {
		fmt.Fprintln(c.out, "[older messages: /older]")
	}
	for _, m := range c.e.Timeline().Messages() {
		who := "you"
		switch m.Role {
		case store.RoleAssistant:
			who = "assistant"
		case store.RoleSystem:
			who = "system"
		}
		suffix := ""
		if m.VersionCount > 1 {
			suffix = fmt.Sprintf(" (v%d/%d)", m.DisplayedVersion, m.VersionCount)
		}
		if m.State != timeline.StatePersisted {
			suffix += " [" + string(m.State) + "]"
		}
		fmt.Fprintf(c.out, "%s%s: %s\n", who, suffix, m.Content)
	}
}
