package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zulandar/supportline/internal/config"
	"github.com/zulandar/supportline/internal/models"
	"github.com/zulandar/supportline/internal/session"
)

const chatHelp = `Commands:
  /list                      refresh and show conversations
  /open <id>                 open a conversation
  /close                     leave the open conversation
  /new <subject> | <message> start a new conversation
  /read                      mark the open conversation read
  /quit                      exit
Any other line is sent to the open conversation.`

func newChatCmd() *cobra.Command {
	var (
		configPath  string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive support chat session",
		Long:  "Connects to the support hub and runs a line-based chat client.\n\n" + chatHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, metricsAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to supportline config file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve client metrics on this address (e.g. :9102)")
	return cmd
}

func newChatSession(cfg *config.Config, in io.Reader, prompt io.Writer, reg prometheus.Registerer, logger *zap.Logger) (*session.Session, error) {
	tokens, err := tokenSource(cfg.Auth, in, prompt)
	if err != nil {
		return nil, err
	}
	client, err := newAPIClient(cfg, tokens, logger)
	if err != nil {
		return nil, err
	}
	dialer, err := newHubDialer(cfg, logger)
	if err != nil {
		return nil, err
	}
	return session.NewSession(session.SessionOpts{
		Dialer:  dialer,
		API:     client,
		Tokens:  tokens,
		Logger:  logger.Named("session"),
		Metrics: session.NewMetrics(reg),
		Reconnect: session.ReconnectPolicy{
			BaseBackoff: cfg.Hub.BaseBackoff(),
			MaxBackoff:  cfg.Hub.MaxBackoff(),
			MaxAttempts: cfg.Hub.MaxReconnectAttempts,
		},
		TypingDebounce: cfg.Typing.Debounce(),
		TypingExpiry:   cfg.Typing.Expiry(),
	})
}

func runChat(cmd *cobra.Command, configPath, metricsAddr string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	s, err := newChatSession(cfg, cmd.InOrStdin(), cmd.ErrOrStderr(), reg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	out := cmd.OutOrStdout()
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(closeCtx)
	}()

	ui := newChatUI(out, s)
	go ui.watch(ctx)

	ui.printf("Connected. Type /help for commands.\n")
	if err := ui.exec(ctx, "/list"); err != nil {
		ui.printf("%s %v\n", errColor("error:"), err)
	}
	return ui.run(ctx, cmd.InOrStdin())
}

// chatUI renders session state as text lines and executes input lines.
type chatUI struct {
	s *session.Session

	mu       sync.Mutex
	out      io.Writer
	activeID string
	printed  map[string]struct{}
}

var errQuit = errors.New("quit")

var (
	sysColor    = color.New(color.FgYellow).SprintFunc()
	errColor    = color.New(color.FgRed).SprintFunc()
	senderColor = color.New(color.FgCyan, color.Bold).SprintFunc()
	headColor   = color.New(color.Bold).SprintFunc()
	timeColor   = color.New(color.FgHiBlack).SprintFunc()
)

func newChatUI(out io.Writer, s *session.Session) *chatUI {
	return &chatUI{s: s, out: out, printed: make(map[string]struct{})}
}

func (u *chatUI) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, format, args...)
}

// run reads lines until EOF, /quit or ctx cancellation.
func (u *chatUI) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
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
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := u.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				u.printf("%s %v\n", errColor("error:"), err)
			}
		}
	}
}

func (u *chatUI) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return u.s.SendMessage(ctx, line)
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/help":
		u.printf("%s\n", chatHelp)
	case "/quit", "/exit":
		return errQuit
	case "/list":
		if _, err := u.s.RefreshConversations(ctx, 1); err != nil {
			return err
		}
		u.showList(u.s.Conversations().Get())
	case "/open":
		if arg == "" {
			return fmt.Errorf("usage: /open <id>")
		}
		if err := u.s.OpenConversation(ctx, arg); err != nil {
			return err
		}
		u.showActive(u.s.Active().Get())
		u.showMessages(u.s.Messages().Get())
	case "/close":
		if err := u.s.CloseActiveConversation(ctx); err != nil {
			return err
		}
		u.printf("Conversation closed.\n")
	case "/new":
		subject, message, _ := strings.Cut(arg, "|")
		subject, message = strings.TrimSpace(subject), strings.TrimSpace(message)
		if subject == "" {
			return fmt.Errorf("usage: /new <subject> | <message>")
		}
		c, err := u.s.CreateConversation(ctx, subject, message)
		if err != nil {
			return err
		}
		u.printf("Created conversation %s.\n", c.ID)
		u.showActive(u.s.Active().Get())
		u.showMessages(u.s.Messages().Get())
	case "/read":
		a := u.s.Active().Get()
		if a == nil {
			return session.ErrNoActiveConversation
		}
		return u.s.MarkRead(ctx, a.ID)
	default:
		return fmt.Errorf("unknown command %s (try /help)", name)
	}
	return nil
}

// watch prints pushed state until ctx is done.
func (u *chatUI) watch(ctx context.Context) {
	msgs, cancelMsgs := u.s.Messages().Subscribe()
	defer cancelMsgs()
	typing, cancelTyping := u.s.Typing().Subscribe()
	defer cancelTyping()
	conn, cancelConn := u.s.Connectivity().Subscribe()
	defer cancelConn()
	errs, cancelErrs := u.s.Errors().Subscribe()
	defer cancelErrs()
	active, cancelActive := u.s.Active().Subscribe()
	defer cancelActive()

	// Skip the initial values; exec prints the synchronous state itself.
	<-msgs
	<-typing
	<-conn
	<-errs
	<-active

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-msgs:
			u.showMessages(m)
		case ts := <-typing:
			if ts != nil && ts.IsTyping {
				u.printf("  %s is typing...\n", ts.Who)
			}
		case up := <-conn:
			if up {
				u.printf("%s\n", sysColor("* connected"))
			} else {
				u.printf("%s\n", sysColor("* connection lost, reconnecting..."))
			}
		case err := <-errs:
			if err != nil {
				u.printf("%s %v\n", errColor("error:"), err)
			}
		case a := <-active:
			if a != nil && a.Status.Terminal() {
				u.printf("%s\n", sysColor("* conversation "+a.ID+" is closed"))
			}
		}
	}
}

func (u *chatUI) showList(list []session.Summary) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(list) == 0 {
		fmt.Fprintln(u.out, "No conversations. Start one with /new <subject> | <message>")
		return
	}
	for _, c := range list {
		unread := ""
		if c.Unread > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.Unread)
		}
		fmt.Fprintf(u.out, "  %s  [%s] %s%s\n", c.ID, c.Status, c.Subject, unread)
	}
}

func (u *chatUI) showActive(c *models.Conversation) {
	if c == nil {
		return
	}
	u.printf("%s\n", headColor(fmt.Sprintf("== %s [%s] ==", nonEmpty(c.Subject, c.ID), c.Status)))
}

// showMessages prints messages not yet shown for the active conversation.
func (u *chatUI) showMessages(msgs []models.Message) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, m := range msgs {
		if m.ConversationID != u.activeID {
			u.activeID = m.ConversationID
			u.printed = make(map[string]struct{})
		}
		if _, ok := u.printed[m.ID]; ok {
			continue
		}
		u.printed[m.ID] = struct{}{}
		fmt.Fprintf(u.out, "%s %s: %s\n",
			timeColor("["+m.SentAt.Local().Format("15:04")+"]"),
			senderColor(nonEmpty(m.SenderName, m.SenderID)),
			m.Content)
	}
}

func nonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
