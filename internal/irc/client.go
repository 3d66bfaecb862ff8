package irc

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Config describes one IRC search network connection.
type Config struct {
	Server  string // host:port
	UseTLS  bool
	Nick    string
	Channel string

	// SearchCommand is the in-channel command prefix the search bot answers
	// to, e.g. "@search".
	SearchCommand string

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c

	if cfg.SearchCommand == "" {
		cfg.SearchCommand = "@search"
	}

	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}

	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Minute
	}

	return cfg
}

// NickError reports a fatal registration failure (nickname in use or
// rejected by the server).
type NickError struct {
	Nick string
	Code string
}

func (e *NickError) Error() string {
	return fmt.Sprintf("nickname %q rejected by server (numeric %s)", e.Nick, e.Code)
}

// Client is a connection to one IRC network. Writes are serialized by an
// internal lock; reads happen from the single goroutine that owns the task
// using this connection.
type Client struct {
	cfg    Config
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	// onlineServers holds nicks seen with an elevated-status prefix during
	// the channel join; results from these are ranked first.
	onlineServers []string
}

// Dial opens the TCP (or TLS) connection. The protocol handshake happens in
// Register.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	dialer := &net.Dialer{Timeout: cfg.HandshakeTimeout}

	var (
		conn net.Conn
		err  error
	)

	if cfg.UseTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", cfg.Server)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.Server)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Server, err)
	}

	return &Client{cfg: cfg, conn: conn, reader: bufio.NewReader(conn)}, nil
}

// NewClientConn wraps an existing connection; used by tests to drive the
// protocol over a pipe.
func NewClientConn(conn net.Conn, cfg Config) *Client {
	return &Client{cfg: cfg.withDefaults(), conn: conn, reader: bufio.NewReader(conn)}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// OnlineServers returns the elevated-status nicks collected during Join.
func (c *Client) OnlineServers() []string {
	return c.onlineServers
}

func (c *Client) writeLine(format string, args ...interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := fmt.Fprintf(c.conn, format+"\r\n", args...)
	if err != nil {
		return fmt.Errorf("failed to write to irc connection: %w", err)
	}

	return nil
}

func (c *Client) readLine(deadline time.Time) (string, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}

	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read from irc connection: %w", err)
	}

	return line, nil
}

// Register performs the USER/NICK handshake and waits for the welcome
// numeric (001) under a bounded timeout. Numerics 433 and 432 during the
// handshake are fatal.
func (c *Client) Register(ctx context.Context) error {
	if err := c.writeLine("USER %s 8 * :%s", c.cfg.Nick, c.cfg.Nick); err != nil {
		return err
	}

	if err := c.writeLine("NICK %s", c.cfg.Nick); err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := c.readLine(deadline)
		if err != nil {
			return fmt.Errorf("no welcome reply before timeout: %w", err)
		}

		ev := parseLine(line)

		switch ev.Command {
		case "001":
			return nil
		case "433", "432":
			return &NickError{Nick: c.cfg.Nick, Code: ev.Command}
		case "PING":
			if err := c.pong(ev); err != nil {
				return err
			}
		}
	}
}

// Join enters the configured channel and consumes messages until the
// end-of-names numeric (366), accumulating usernames with an elevated-status
// prefix as online servers.
func (c *Client) Join(ctx context.Context) error {
	if err := c.writeLine("JOIN %s", c.cfg.Channel); err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := c.readLine(deadline)
		if err != nil {
			return fmt.Errorf("channel join did not complete: %w", err)
		}

		ev := parseLine(line)

		switch ev.Command {
		case "353": // RPL_NAMREPLY
			for _, nick := range strings.Fields(ev.Trailing) {
				if len(nick) > 1 && strings.ContainsRune("@&~%", rune(nick[0])) {
					c.onlineServers = append(c.onlineServers, nick[1:])
				}
			}
		case "366": // RPL_ENDOFNAMES
			return nil
		case "PING":
			if err := c.pong(ev); err != nil {
				return err
			}
		}
	}
}

// Search issues the search command for a query after the shared limiter
// grants a slot.
func (c *Client) Search(ctx context.Context, limiter *SearchLimiter, query string) error {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	return c.writeLine("PRIVMSG %s :%s %s", c.cfg.Channel, c.cfg.SearchCommand, query)
}

// RequestBook re-sends a result line (e.g. "!Server Title.epub") to the
// channel, asking the serving bot for a direct DCC delivery.
func (c *Client) RequestBook(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.writeLine("PRIVMSG %s :%s", c.cfg.Channel, line)
}

// NextEvent reads and classifies the next line. PING and CTCP VERSION are
// answered transparently and never surface to the caller.
func (c *Client) NextEvent(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}

		line, err := c.readLine(time.Now().Add(c.cfg.ReadTimeout))
		if err != nil {
			return Event{}, err
		}

		ev := classify(parseLine(line))

		switch ev.Type {
		case EventPing:
			if err := c.pong(ev); err != nil {
				return Event{}, err
			}
		case EventVersion:
			if err := c.versionReply(ev); err != nil {
				return Event{}, err
			}
		default:
			return ev, nil
		}
	}
}

func (c *Client) pong(ev Event) error {
	token := ev.Trailing
	if token == "" && len(ev.Params) > 0 {
		token = ev.Params[0]
	}

	return c.writeLine("PONG :%s", token)
}

func (c *Client) versionReply(ev Event) error {
	sender := ev.Prefix
	if idx := strings.Index(sender, "!"); idx >= 0 {
		sender = sender[:idx]
	}

	return c.writeLine("NOTICE %s :\x01VERSION bookgrab\x01", sender)
}

// OutcomeKind tags the result of waiting for a search reply. "No results"
// and "try another server" are routine branches, not errors.
type OutcomeKind int

const (
	OutcomeResults OutcomeKind = iota
	OutcomeEmpty
	OutcomeRetryable
)

// Outcome is the tagged result of a search interaction.
type Outcome struct {
	Kind   OutcomeKind
	Offer  *DCCOffer
	Reason string
}

// AwaitSearchOutcome consumes events until the search concludes: a results
// or book file offer, a no-results notice, or a bad-server notice.
// Socket errors surface as retryable outcomes so the caller may try another
// connection.
func (c *Client) AwaitSearchOutcome(ctx context.Context) (Outcome, error) {
	for {
		ev, err := c.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}

			return Outcome{Kind: OutcomeRetryable, Reason: err.Error()}, nil
		}

		switch ev.Type {
		case EventSearchResult, EventBookResult:
			return Outcome{Kind: OutcomeResults, Offer: ev.Offer}, nil
		case EventNoResults:
			return Outcome{Kind: OutcomeEmpty, Reason: ev.Trailing}, nil
		case EventBadServer:
			return Outcome{Kind: OutcomeRetryable, Reason: ev.Trailing}, nil
		}
	}
}
