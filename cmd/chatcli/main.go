// Command chatcli is a terminal client for one thread. Lines typed on stdin
// are sent as messages; lines starting with a slash are commands.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/peterbourgon/ff/v3"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-live/internal/client"
	"github.com/Tyrowin/gochat-live/internal/config"
	"github.com/Tyrowin/gochat-live/internal/events"
	"github.com/Tyrowin/gochat-live/internal/logging"
)

const help = `commands:
  /failed              list failed sends
  /retry <id>          resend a failed message
  /discard <id>        drop a failed message
  /reconnect           reconnect now
  /quit                exit`

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("chatcli", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "path to a YAML config file; the client section is used")
		serverURL  = fs.String("server", "", "server base URL (overrides config)")
		token      = fs.String("token", "", "bearer token (overrides config)")
		user       = fs.String("user", "", "your user id, used to match your own messages (required)")
		thread     = fs.String("thread", "", "thread id to join")
		origin     = fs.String("origin", "", "Origin header for the WebSocket upgrade")
		logLevel   = fs.String("log-level", "warn", "log level for diagnostics on stderr")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("GOCHAT")); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log := logging.NewConsole(*logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 1
	}
	cc := cfg.Client
	if *serverURL != "" {
		cc.ServerURL = *serverURL
	}
	if *token != "" {
		cc.Token = *token
	}
	if err := checkRequired(cc.Token, *user, *thread); err != nil {
		fmt.Fprintln(os.Stderr, "chatcli:", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newChat(cc, *user, *thread, *origin, log, os.Stdout)
	if err != nil {
		log.Error().Err(err).Msg("Client setup failed")
		return 1
	}
	defer c.close()

	if err := c.mgr.Connect(); err != nil {
		log.Error().Err(err).Msg("Connect failed")
		return 1
	}
	c.printf("joined %s as %s (type /help for commands)\n", *thread, *user)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return 0
		case line, ok := <-lines:
			if !ok || !c.handle(ctx, line) {
				return 0
			}
		}
	}
}

// checkRequired rejects a missing token, user or thread. Without the user id
// the client cannot tell its own pushes from other participants'.
func checkRequired(token, user, thread string) error {
	var missing []string
	if token == "" {
		missing = append(missing, "-token")
	}
	if user == "" {
		missing = append(missing, "-user")
	}
	if thread == "" {
		missing = append(missing, "-thread")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s required", strings.Join(missing, ", "))
	}
	return nil
}

type chat struct {
	thread string
	self   string
	mgr    *client.ConnectionManager
	coord  *client.Coordinator
	log    zerolog.Logger

	outMu sync.Mutex
	out   io.Writer
}

func newChat(cc config.ClientConfig, self, thread, origin string, log zerolog.Logger, out io.Writer) (*chat, error) {
	c := &chat{thread: thread, self: self, log: log, out: out}

	sender := &client.HTTPSender{ServerURL: cc.ServerURL, Token: func() string { return cc.Token }}
	coord, err := client.NewCoordinator(sender,
		client.WithSelf(self),
		client.WithOnline(func() bool { return c.mgr.State() == client.Connected }),
		client.WithSendTimeout(cc.SendTimeout),
		client.WithHistoryLimit(cc.HistoryLimit),
		client.WithSeenLimit(cc.SeenLimit),
		client.WithCoordinatorLogger(log),
	)
	if err != nil {
		return nil, err
	}
	c.coord = coord

	transport := &client.WSTransport{
		ServerURL: cc.ServerURL,
		Origin:    origin,
		Topics:    []events.Topic{events.ThreadTopic(thread)},
		OnEvent: func(_ string, ev events.MessageEvent) {
			if coord.HandlePush(ev) && ev.Sender.ID != self {
				c.printf("%s: %s\n", ev.Sender.Username, ev.Content)
			}
		},
		OnError: func(f events.ServerFrame) {
			c.printf("! %s: %s\n", f.Code, f.Message)
		},
		Log: log,
	}
	c.mgr = client.NewConnectionManager(transport,
		client.WithPolicy(client.PolicyFrom(cc.Reconnect)),
		client.WithCredentials(client.Credentials{UserID: self, Token: cc.Token}),
		client.WithManagerLogger(log),
	)
	c.mgr.OnStateChange(func(s client.State) {
		c.printf("[%s]\n", s)
	})
	return c, nil
}

func (c *chat) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// handle runs one input line. It returns false when the user quits.
func (c *chat) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		c.send(ctx, line)
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return false
	case "/help":
		c.printf("%s\n", help)
	case "/failed":
		for _, p := range c.coord.Failed() {
			c.printf("  %s  %q  (%v)\n", p.OptimisticID, p.Content, p.Err)
		}
	case "/retry":
		if err := c.coord.Retry(arg); err != nil {
			c.printf("! retry: %v\n", err)
			return true
		}
		c.await(ctx, arg)
	case "/discard":
		if err := c.coord.Discard(arg); err != nil {
			c.printf("! discard: %v\n", err)
		}
	case "/reconnect":
		if err := c.mgr.Connect(); err != nil {
			c.printf("! reconnect: %v\n", err)
		}
	default:
		c.printf("unknown command %s\n%s\n", cmd, help)
	}
	return true
}

func (c *chat) send(ctx context.Context, content string) {
	p, err := c.coord.Submit(c.thread, content)
	if err != nil {
		c.printf("! %v\n", err)
		return
	}
	c.await(ctx, p.OptimisticID)
}

// await reports the outcome of a send without blocking the input loop.
func (c *chat) await(ctx context.Context, id string) {
	go func() {
		ev, err := c.coord.Await(ctx, id)
		switch {
		case err == nil:
			c.log.Debug().Str("id", ev.ID).Msg("Message confirmed")
		case errors.Is(err, context.Canceled), errors.Is(err, client.ErrClosed), errors.Is(err, client.ErrDiscarded):
		default:
			c.printf("! not sent (%v): /retry %s or /discard %s\n", err, id, id)
		}
	}()
}

func (c *chat) close() {
	_ = c.mgr.Close()
	_ = c.coord.Close()
}
