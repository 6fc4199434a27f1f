package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"cpjudge/internal/cli/command"
	"cpjudge/internal/cli/config"
	httpclient "cpjudge/internal/cli/http"
	"cpjudge/internal/cli/state"
	"cpjudge/internal/common/auth"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

const prompt = "cpjudge> "

// errExit ends the loop.
var errExit = errors.New("exit")

// Session holds REPL state.
type Session struct {
	client     *httpclient.Client
	commands   map[string]command.Command
	tokenState *state.TokenState
	statePath  string
	auth       config.AuthConfig
	prettyJSON bool
	out        io.Writer
	// ask reads a missing field value; nil outside the interactive loop.
	ask func(label string) (string, error)
}

func New(client *httpclient.Client, commands map[string]command.Command, tokenState *state.TokenState, statePath string, authCfg config.AuthConfig, prettyJSON bool, out io.Writer) *Session {
	return &Session{
		client:     client,
		commands:   commands,
		tokenState: tokenState,
		statePath:  statePath,
		auth:       authCfg,
		prettyJSON: prettyJSON,
		out:        out,
	}
}

// Run reads lines until exit, EOF or ctx ends.
func (s *Session) Run(ctx context.Context, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile,
		AutoComplete:    s.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline failed: %w", err)
	}
	defer func() { _ = rl.Close() }()
	s.out = rl.Stdout()
	s.ask = func(label string) (string, error) {
		rl.SetPrompt(label + ": ")
		defer rl.SetPrompt(prompt)
		line, err := rl.Readline()
		if err != nil {
			return "", fmt.Errorf("read input failed: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	for ctx.Err() == nil {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input failed: %w", err)
		}
		if err := s.Execute(ctx, line); err != nil {
			if errors.Is(err, errExit) {
				s.printLine("bye")
				return nil
			}
			s.printLine("error: %v", err)
		}
	}
	return ctx.Err()
}

// Execute runs one input line.
func (s *Session) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}
	switch tokens[0] {
	case "exit", "quit":
		return errExit
	case "help":
		s.printHelp()
		return nil
	case "set":
		return s.handleSet(tokens[1:])
	case "show":
		return s.handleShow(tokens[1:])
	case "mint":
		return s.handleMint(tokens[1:])
	}
	return s.handleCommand(ctx, tokens)
}

func (s *Session) handleSet(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: set base|timeout|token <value>")
	}
	switch args[0] {
	case "base":
		s.client.SetBaseURL(args[1])
		s.printLine("base set to %s", s.client.BaseURL())
	case "timeout":
		dur, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "token":
		*s.tokenState = state.TokenState{AccessToken: args[1]}
		if err := state.Save(s.statePath, *s.tokenState); err != nil {
			return fmt.Errorf("save token failed: %w", err)
		}
		s.printLine("token updated")
	default:
		return fmt.Errorf("unknown set command: %s", args[0])
	}
	return nil
}

func (s *Session) handleShow(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: show token|config")
	}
	switch args[0] {
	case "token":
		token := s.tokenState.AccessToken
		if token == "" {
			s.printLine("token: <empty>")
			return nil
		}
		if len(token) > 12 {
			token = token[:6] + "..." + token[len(token)-4:]
		}
		if s.tokenState.Expired(time.Now()) {
			token += " (expired)"
		}
		s.printLine("token: %s", token)
	case "config":
		s.printLine("base: %s", s.client.BaseURL())
		s.printLine("tokenStatePath: %s", s.statePath)
	default:
		return fmt.Errorf("usage: show token|config")
	}
	return nil
}

// handleMint signs an admin token with the configured shared secret.
func (s *Session) handleMint(args []string) error {
	if s.auth.Secret == "" {
		return fmt.Errorf("auth.secret is not configured")
	}
	if len(args) == 0 {
		return fmt.Errorf("usage: mint <user_id> [ttl]")
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || userID <= 0 {
		return fmt.Errorf("invalid user id: %s", args[0])
	}
	ttl := s.auth.TokenTTL
	if len(args) > 1 {
		if ttl, err = time.ParseDuration(args[1]); err != nil {
			return fmt.Errorf("invalid ttl: %w", err)
		}
	}
	token, err := auth.Sign(s.auth.Secret, s.auth.Issuer, userID, auth.RoleAdmin, ttl)
	if err != nil {
		return err
	}
	*s.tokenState = state.TokenState{AccessToken: token, ExpiresAt: time.Now().Add(ttl)}
	if err := state.Save(s.statePath, *s.tokenState); err != nil {
		return fmt.Errorf("save token failed: %w", err)
	}
	s.printLine("admin token for user %d valid for %s", userID, ttl)
	return nil
}

func (s *Session) handleCommand(ctx context.Context, tokens []string) error {
	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	cmd, ok := s.commands[tokens[0]+" "+tokens[1]]
	if !ok {
		return fmt.Errorf("unknown command: %s %s", tokens[0], tokens[1])
	}
	params, err := command.ParseParams(tokens[2:])
	if err != nil {
		return err
	}
	params.Canonicalize(cmd.Fields)
	if err := s.promptMissing(cmd, params); err != nil {
		return err
	}
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	if cmd.RequiresAuth && s.tokenState.AccessToken == "" {
		s.printLine("warning: no token set, try: mint <user_id>")
	}
	if cmd.Stream {
		return s.client.Watch(ctx, req.Path, func(frame []byte) {
			s.renderBody(frame)
		})
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.Headers, req.Body)
	if err != nil {
		return err
	}
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	s.renderBody(resp.Body)
	return nil
}

func (s *Session) promptMissing(cmd command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if !field.Required || strings.TrimSpace(params.Get(field.Name)) != "" {
			continue
		}
		if s.ask == nil {
			return fmt.Errorf("missing parameter: %s", field.Name)
		}
		value, err := s.ask(field.Prompt)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) renderBody(body []byte) {
	if len(body) == 0 {
		return
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(body))
}

func (s *Session) completer() *readline.PrefixCompleter {
	actions := map[string][]readline.PrefixCompleterInterface{}
	var services []string
	for _, key := range command.SortedKeys(s.commands) {
		cmd := s.commands[key]
		if _, ok := actions[cmd.Service]; !ok {
			services = append(services, cmd.Service)
		}
		actions[cmd.Service] = append(actions[cmd.Service], readline.PcItem(cmd.Action))
	}
	items := []readline.PrefixCompleterInterface{
		readline.PcItem("help"),
		readline.PcItem("exit"),
		readline.PcItem("mint"),
		readline.PcItem("set", readline.PcItem("base"), readline.PcItem("timeout"), readline.PcItem("token")),
		readline.PcItem("show", readline.PcItem("token"), readline.PcItem("config")),
	}
	for _, service := range services {
		items = append(items, readline.PcItem(service, actions[service]...))
	}
	return readline.NewPrefixCompleter(items...)
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | mint <user_id> [ttl] | set base|timeout|token | show token|config")
	for _, key := range command.SortedKeys(s.commands) {
		s.printLine("  %-22s %s", key, s.commands[key].Help)
	}
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}
