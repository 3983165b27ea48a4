// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// console.go - Local interactive front-end for the relay engine.
//
// USABILITY: liner gives arrow-key history and line editing; replies are
// rendered as markdown with glamour when stdout is a terminal.
//
// Commands:
//   /model [key]        Show or switch model
//   /models             List models
//   /voice [on|off]     Toggle voice-note replies
//   /stats              Show session statistics
//   /history            Show recent exchanges
//   /clear              Clear history
//   /help               Show help
//   /quit, /q           Exit

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/engine"
	"github.com/jeranaias/rigrun-relay/internal/util"
)

// ConsoleUserID is the session id the console speaks as by default.
const ConsoleUserID int64 = 1

// =============================================================================
// CONSOLE
// =============================================================================

// Console drives an engine from typed lines. It is separate from the
// terminal so it can be exercised with any io.Writer.
type Console struct {
	eng      *engine.Engine
	out      io.Writer
	userID   int64
	voice    bool
	lang     string
	audioDir string
	render   func(string) string
}

// NewConsole creates a console writing to out. Voice notes are saved in
// audioDir (the working directory when empty).
func NewConsole(eng *engine.Engine, out io.Writer, userID int64) *Console {
	return &Console{
		eng:    eng,
		out:    out,
		userID: userID,
		render: func(s string) string { return s },
	}
}

// HandleLine processes one line of input. It returns false when the user
// asked to quit.
func (c *Console) HandleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if strings.HasPrefix(line, "/") {
		return c.handleCommand(line)
	}
	c.send(ctx, line)
	return true
}

func (c *Console) send(ctx context.Context, text string) {
	start := time.Now()
	reply := c.eng.Handle(ctx, engine.Request{
		UserID:     c.userID,
		Text:       text,
		WantsVoice: c.voice,
		Lang:       c.lang,
	})
	if reply.Err == engine.KindCanceled {
		fmt.Fprintln(c.out, DimStyle.Render("[cancelled]"))
		return
	}

	if reply.Failed() {
		fmt.Fprintln(c.out, ErrorStyle.Render(reply.Text))
		return
	}
	fmt.Fprintln(c.out, c.render(reply.Text))

	if reply.Audio != nil {
		path := filepath.Join(c.audioDir, fmt.Sprintf("reply-%s.ogg", shortID(reply.RequestID)))
		if err := util.AtomicWriteFile(path, reply.Audio.Data, 0600); err != nil {
			fmt.Fprintf(c.out, "%s could not save voice note: %v\n", WarningStyle.Render("[voice]"), err)
		} else {
			fmt.Fprintf(c.out, "%s saved %s (%d bytes)\n", SuccessStyle.Render("[voice]"), path, len(reply.Audio.Data))
		}
	} else if c.voice {
		fmt.Fprintln(c.out, WarningStyle.Render("[voice unavailable, text only]"))
	}

	fmt.Fprintln(c.out, DimStyle.Render(fmt.Sprintf("%s | %s", reply.Model, time.Since(start).Round(time.Millisecond))))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return id
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

func (c *Console) handleCommand(line string) bool {
	parts := strings.Fields(line)
	command := strings.ToLower(parts[0])
	args := parts[1:]

	switch command {
	case "/help", "/h", "/?", "/":
		c.printHelp()
	case "/quit", "/q", "/exit":
		return false
	case "/model", "/m":
		c.handleModel(args)
	case "/models":
		c.printModels()
	case "/voice", "/v":
		c.handleVoice(args)
	case "/stats", "/s":
		c.printStats()
	case "/history":
		c.printHistory()
	case "/clear", "/c":
		c.eng.ClearHistory(c.userID)
		fmt.Fprintln(c.out, DimStyle.Render("[history cleared]"))
	default:
		fmt.Fprintf(c.out, "%s unknown command: %s (type /help for commands)\n", ErrorStyle.Render("[!]"), command)
	}
	return true
}

func (c *Console) handleModel(args []string) {
	if len(args) == 0 {
		key := c.eng.Registry().DefaultKey()
		if s, ok := c.eng.Session(c.userID); ok {
			key = s.ModelKey
		}
		fmt.Fprintf(c.out, "Current model: %s\n", HighlightStyle.Render(key))
		return
	}
	d, err := c.eng.SelectModel(c.userID, args[0])
	if err != nil {
		fmt.Fprintln(c.out, ErrorStyle.Render(engine.UnknownModelMessage(args[0], c.eng.Registry())))
		return
	}
	fmt.Fprintln(c.out, SuccessStyle.Render(engine.ModelSelectedMessage(d)))
}

func (c *Console) printModels() {
	current := c.eng.Registry().DefaultKey()
	if s, ok := c.eng.Session(c.userID); ok {
		current = s.ModelKey
	}
	for _, d := range c.eng.Models() {
		marker := "  "
		key := fmt.Sprintf("%-10s", d.Key)
		if d.Key == current {
			marker = "* "
			key = HighlightStyle.Render(key)
		}
		fmt.Fprintf(c.out, "%s%s %s\n", marker, key, DimStyle.Render(d.Title()))
	}
}

func (c *Console) handleVoice(args []string) {
	switch {
	case len(args) == 0:
		c.voice = !c.voice
	case strings.EqualFold(args[0], "on"):
		c.voice = true
	case strings.EqualFold(args[0], "off"):
		c.voice = false
	default:
		c.lang = args[0]
		c.voice = true
	}
	state := "off"
	if c.voice {
		state = "on"
	}
	fmt.Fprintf(c.out, "Voice replies: %s\n", HighlightStyle.Render(state))
}

func (c *Console) printStats() {
	s, ok := c.eng.Session(c.userID)
	if !ok {
		fmt.Fprintln(c.out, DimStyle.Render("No messages yet."))
		return
	}
	fmt.Fprintln(c.out, SectionStyle.Render("Session"))
	fmt.Fprintf(c.out, "%s%s\n", RenderLabel("Model"), ValueStyle.Render(s.ModelKey))
	fmt.Fprintf(c.out, "%s%d\n", RenderLabel("Messages"), s.MessageCount)
	fmt.Fprintf(c.out, "%s%d\n", RenderLabel("Voice notes"), s.VoiceCount)
	fmt.Fprintf(c.out, "%s%d\n", RenderLabel("Failures"), s.FailureCount)
	fmt.Fprintf(c.out, "%s%s\n", RenderLabel("Last active"), s.LastActive.Format(time.RFC3339))
	fmt.Fprintf(c.out, "%s%s\n", RenderLabel("Uptime"), c.eng.Uptime().Round(time.Second))
}

func (c *Console) printHistory() {
	s, ok := c.eng.Session(c.userID)
	if !ok || len(s.History) == 0 {
		fmt.Fprintln(c.out, DimStyle.Render("No history."))
		return
	}
	for _, e := range s.History {
		fmt.Fprintf(c.out, "%s %s\n", HighlightStyle.Render("you>"), util.TruncateRunes(e.Question, 200))
		fmt.Fprintf(c.out, "%s %s\n", DimStyle.Render("bot>"), util.TruncateRunes(e.Answer, 200))
	}
}

func (c *Console) printHelp() {
	commands := []struct{ cmd, desc string }{
		{"/model [key]", "Show or switch model"},
		{"/models", "List models"},
		{"/voice [on|off|lang]", "Toggle voice-note replies"},
		{"/stats", "Show session statistics"},
		{"/history", "Show recent exchanges"},
		{"/clear", "Clear history"},
		{"/quit, /q", "Exit"},
	}
	fmt.Fprintln(c.out, SectionStyle.Render("Commands"))
	for _, cmd := range commands {
		fmt.Fprintf(c.out, "  %s  %s\n", HighlightStyle.Render(fmt.Sprintf("%-20s", cmd.cmd)), DimStyle.Render(cmd.desc))
	}
}

// =============================================================================
// LINE INPUT
// =============================================================================

// lineReader is satisfied by the liner-backed and the plain reader.
type lineReader interface {
	ReadInput(prompt string) (string, error)
	Close()
}

// linerReader provides input history and line editing.
type linerReader struct {
	line        *liner.State
	historyFile string
}

func newLinerReader() *linerReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	r := &linerReader{line: line, historyFile: filepath.Join(dir, "console_history")}
	if f, err := os.Open(r.historyFile); err == nil {
		r.line.ReadHistory(f)
		f.Close()
	}
	return r
}

func (r *linerReader) ReadInput(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with owner-only permissions and restores the terminal.
func (r *linerReader) Close() {
	if err := os.MkdirAll(filepath.Dir(r.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			r.line.WriteHistory(f)
			f.Close()
		}
	}
	r.line.Close()
}

// plainReader reads piped input line by line.
type plainReader struct {
	scanner *bufio.Scanner
}

func (r *plainReader) ReadInput(string) (string, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

func (r *plainReader) Close() {}

// Run reads lines until /quit, EOF or ctx cancellation.
func (c *Console) Run(ctx context.Context, in lineReader) error {
	defer in.Close()
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := in.ReadInput("relay> ")
		if errors.Is(err, liner.ErrPromptAborted) {
			fmt.Fprintln(c.out, DimStyle.Render("(type /quit to exit)"))
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !c.HandleLine(ctx, line) {
			return nil
		}
	}
}

// =============================================================================
// COMMAND
// =============================================================================

func newConsoleCmd(flags *globalFlags) *cobra.Command {
	var (
		userID   int64
		voiceOn  bool
		lang     string
		audioDir string
	)

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Chat with the relay from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			// Keep log lines out of the conversation unless asked for.
			if flags.logLevel == "" {
				cfg.Log.Level = "warn"
			}
			if err := setupLogging(cfg, os.Stderr); err != nil {
				return err
			}
			eng, err := buildEngine(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			console := NewConsole(eng, out, userID)
			console.voice = voiceOn
			console.lang = lang
			console.audioDir = audioDir

			var in lineReader
			if IsTTY() {
				in = newLinerReader()
				if IsStdoutTTY() {
					console.render = renderMarkdown
				}
				fmt.Fprintln(out, TitleStyle.Render("rigrun-relay console"))
				fmt.Fprintln(out, DimStyle.Render("Type a message, or /help for commands."))
			} else {
				in = &plainReader{scanner: bufio.NewScanner(cmd.InOrStdin())}
			}
			return console.Run(cmd.Context(), in)
		},
	}

	cmd.Flags().Int64Var(&userID, "user", ConsoleUserID, "session id to speak as")
	cmd.Flags().BoolVar(&voiceOn, "voice", false, "request voice-note replies")
	cmd.Flags().StringVar(&lang, "lang", "", "speech language (BCP 47)")
	cmd.Flags().StringVar(&audioDir, "audio-dir", "", "directory for saved voice notes")
	return cmd
}
