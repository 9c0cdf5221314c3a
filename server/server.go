// Package server assembles a running swarmbot: the data directory, the log
// file, the proxy pool, the session dialer and the operator consoles.
package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gliderlabs/ssh"
	"github.com/pkg/errors"
	"github.com/zond/swarmbot"
	"github.com/zond/swarmbot/bridge"
	"github.com/zond/swarmbot/client"
	"github.com/zond/swarmbot/clock"
	"github.com/zond/swarmbot/control"
	"github.com/zond/swarmbot/names"
	"github.com/zond/swarmbot/pemfile"
	"github.com/zond/swarmbot/proxy"
	"github.com/zond/swarmbot/storage"
	"github.com/zond/swarmbot/structs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	gossh "golang.org/x/crypto/ssh"
)

const (
	logFile        = "swarmbot.log"
	namesFile      = "usernames.json"
	proxiesFile    = "proxies.json"
	hostKeyFile    = "host_key.pem"
	hostPubFile    = "host_key.pub"
	authorizedFile = "authorized_keys"
)

type Config struct {
	// Dir holds session configs, plans, the proxy pool, the username ledger
	// and the log.
	Dir string
	// SSHAddr is where the SSH console listens. Empty disables it.
	SSHAddr string
	// Stdin enables the console on the process terminal.
	Stdin bool
	// BridgeURL is the default bridge URL template. {id} expands to the
	// session id.
	BridgeURL    string
	ProxyTestURL string
	TickPeriod   time.Duration
	ChatCooldown time.Duration
	LogMaxSizeMB int
	LogBackups   int
}

func DefaultConfig() Config {
	return Config{
		Dir:          filepath.Join(os.Getenv("HOME"), ".swarmbot"),
		SSHAddr:      "127.0.0.1:15000",
		Stdin:        true,
		ProxyTestURL: proxy.DefaultTestURL,
		TickPeriod:   50 * time.Millisecond,
		ChatCooldown: control.DefaultCooldown,
		LogMaxSizeMB: 16,
		LogBackups:   3,
	}
}

type Server struct {
	config Config
	logger *log.Logger
	logOut *lumberjack.Logger
	store  *storage.Store
	names  *names.Ledger
	proxy  *proxy.Manager
	audit  *storage.AuditLogger
}

func New(config Config) (*Server, error) {
	if err := os.MkdirAll(config.Dir, 0700); err != nil {
		return nil, swarmbot.WithStack(err)
	}
	logOut := &lumberjack.Logger{
		Filename:   filepath.Join(config.Dir, logFile),
		MaxSize:    config.LogMaxSizeMB,
		MaxBackups: config.LogBackups,
	}
	logger := log.New(io.MultiWriter(os.Stderr, logOut), "", log.LstdFlags)
	store, err := storage.New(config.Dir)
	if err != nil {
		return nil, err
	}
	ledger, err := names.Open(filepath.Join(config.Dir, namesFile))
	if err != nil {
		return nil, err
	}
	proxies := proxy.New(proxy.Config{
		Path:   filepath.Join(config.Dir, proxiesFile),
		Prober: proxy.HTTPProber(config.ProxyTestURL),
		Logger: logger,
	})
	if err := proxies.Load(); err != nil {
		return nil, err
	}
	audit, err := storage.NewAuditLogger(store.Path(storage.AuditFile))
	if err != nil {
		return nil, err
	}
	return &Server{
		config: config,
		logger: logger,
		logOut: logOut,
		store:  store,
		names:  ledger,
		proxy:  proxies,
		audit:  audit,
	}, nil
}

// dial connects a session through the bridge named by its own config, or by
// the server default. Without a bridge the session stays local.
func (s *Server) dial(ctx context.Context, id string, settings structs.SessionConfig, p *structs.Proxy) (client.Client, error) {
	template := settings.BridgeURL
	if template == "" {
		template = s.config.BridgeURL
	}
	if template == "" {
		return nil, errors.New("no bridge configured")
	}
	return bridge.New(bridge.Options{
		URL: bridge.URL(template, id),
		Hello: bridge.Hello{
			Session:  id,
			Host:     settings.Host,
			Port:     settings.Port,
			Username: settings.Username,
			Password: settings.Password,
			Version:  settings.Version,
			Auth:     settings.Auth,
		},
		Proxy:  p,
		Logger: s.logger,
	})
}

// Start runs the consoles until ctx is cancelled or the stdin console reaches
// end of input, then closes every session.
func (s *Server) Start(ctx context.Context) error {
	defer s.logOut.Close()
	defer s.audit.Close()
	if !s.config.Stdin && s.config.SSHAddr == "" {
		return errors.New("no console enabled")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app := control.New(ctx, control.Options{
		Store:        s.store,
		Names:        s.names,
		Proxies:      s.proxy,
		Dialer:       s.dial,
		Clock:        clock.Real{},
		Logger:       s.logger,
		Base:         structs.DefaultSessionConfig(),
		TickPeriod:   s.config.TickPeriod,
		ChatCooldown: s.config.ChatCooldown,
	})
	defer app.CloseAll()

	eg, ctx := errgroup.WithContext(ctx)
	if s.config.Stdin {
		eg.Go(func() error {
			defer cancel()
			return s.serveStdin(ctx, app)
		})
	}
	if s.config.SSHAddr != "" {
		srv, err := s.sshServer(app)
		if err != nil {
			return err
		}
		eg.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
		eg.Go(func() error {
			s.logger.Printf("listening on %q", s.config.SSHAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
				return swarmbot.WithStack(err)
			}
			return nil
		})
	}
	return eg.Wait()
}

func (s *Server) serveStdin(ctx context.Context, app *control.App) error {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errs <- scanner.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return swarmbot.WithStack(err)
		case line := <-lines:
			if quit := s.dispatch(app, storage.StdinOperator(), os.Stdout, line); quit {
				return nil
			}
		}
	}
}

// dispatch runs one console line and audits it. It reports whether the
// console asked to quit.
func (s *Server) dispatch(app *control.App, operator storage.AuditOperator, out io.Writer, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case "quit", "exit":
		return true
	}
	ctx := context.Background()
	if active, found := app.Supervisor.Active(); found {
		ctx = swarmbot.WithSessionID(ctx, active.ID)
	}
	handled := app.Dispatch(out, line)
	s.audit.Log(ctx, "COMMAND", storage.AuditCommand{
		Operator: operator,
		Line:     line,
		Handled:  handled,
	})
	if !handled {
		fmt.Fprintf(out, "unknown command %q, try \"help\"\n", strings.Fields(line)[0])
	}
	return false
}

func operatorFor(ctx ssh.Context) storage.AuditOperator {
	return storage.AuditOperator{
		Name:       ctx.User(),
		Remote:     ctx.RemoteAddr().String(),
		Connection: ctx.SessionID(),
	}
}

func (s *Server) sshServer(app *control.App) (*ssh.Server, error) {
	pemBytes, signer, generated, err := pemfile.Ensure(
		filepath.Join(s.config.Dir, hostKeyFile),
		filepath.Join(s.config.Dir, hostPubFile))
	if err != nil {
		return nil, err
	}
	if generated {
		s.logger.Printf("generated host key in %q", s.config.Dir)
	}
	s.logger.Printf("host key fingerprint %s", gossh.FingerprintSHA256(signer.PublicKey()))

	authorizedPath := filepath.Join(s.config.Dir, authorizedFile)
	srv := &ssh.Server{
		Addr: s.config.SSHAddr,
		Handler: func(sess ssh.Session) {
			s.handleSSH(app, sess)
		},
		PublicKeyHandler: func(ctx ssh.Context, key ssh.PublicKey) bool {
			authorized, found, err := pemfile.LoadAuthorizedKeys(authorizedPath)
			if err != nil {
				s.logger.Printf("loading %q: %v", authorizedPath, err)
				return false
			}
			if !found {
				s.logger.Printf("rejecting %s, %q is missing", ctx.User(), authorizedPath)
			}
			if !found || !authorized.Allows(key) {
				s.audit.Log(ctx, "CONSOLE_LOGIN_FAILED", storage.AuditConsoleLoginFailed{
					Operator:    operatorFor(ctx),
					Fingerprint: gossh.FingerprintSHA256(key),
				})
				return false
			}
			return true
		},
	}
	if err := srv.SetOption(ssh.HostKeyPEM(pemBytes)); err != nil {
		return nil, swarmbot.WithStack(err)
	}
	return srv, nil
}

func (s *Server) handleSSH(app *control.App, sess ssh.Session) {
	operator := operatorFor(sess.Context())
	s.logger.Printf("%s connected from %v", sess.User(), sess.RemoteAddr())
	s.audit.Log(sess.Context(), "CONSOLE_LOGIN", storage.AuditConsoleLogin{Operator: operator})
	t := term.NewTerminal(sess, "> ")
	defer func() {
		app.Switchboard.DetachAll(t)
		s.audit.Log(sess.Context(), "CONSOLE_END", storage.AuditConsoleEnd{Operator: operator})
		s.logger.Printf("%s disconnected", sess.User())
	}()
	for {
		line, err := t.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Printf("reading from %s: %v", sess.User(), err)
			}
			return
		}
		if s.dispatch(app, operator, t, line) {
			return
		}
	}
}
