package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/briangreenhill/prepcoach/api"
	"github.com/briangreenhill/prepcoach/internal/app"
	"github.com/briangreenhill/prepcoach/internal/config"
	"github.com/briangreenhill/prepcoach/internal/logging"
	"github.com/briangreenhill/prepcoach/internal/mutation"
	"github.com/briangreenhill/prepcoach/internal/query"
)

const version = "0.1.0"

func main() {
	if err := runCLI(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
		os.Exit(1)
	}
}

// command is one CLI subcommand. args is the minimum number of positional
// arguments it needs.
type command struct {
	usage string
	args  int
	run   func(ctx context.Context, a *app.App, args []string, out io.Writer) error
}

var commands = map[string]command{
	"sessions":       {"", 0, runSessions},
	"session":        {"<session-id>", 1, runSession},
	"create":         {"<role> <years> <topics>", 3, runCreate},
	"delete":         {"<session-id>", 1, runDelete},
	"questions":      {"<session-id>", 1, runQuestions},
	"generate":       {"<session-id>", 1, runGenerate},
	"pin":            {"<question-id> <session-id>", 2, runPin},
	"profile":        {"", 0, runProfile},
	"update-profile": {"[--name NAME] [--photo PATH]", 0, runUpdateProfile},
}

func runCLI(args []string, out io.Writer) error {
	if len(args) == 0 {
		printUsage(out)
		return nil
	}
	switch args[0] {
	case "help", "--help", "-h":
		printUsage(out)
		return nil
	case "version", "--version", "-v":
		fmt.Fprintf(out, "prepcoach v%s\n", version)
		return nil
	}

	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command: %s", args[0])
	}
	if len(args)-1 < cmd.args {
		return fmt.Errorf("usage: prepcoach %s %s", args[0], cmd.usage)
	}

	cfg, err := config.Load(os.Getenv("PREP_CONFIG"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.HasCredentials() {
		return fmt.Errorf("not signed in: set PREP_API_SESSION_COOKIE or PREP_API_TOKEN")
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	a, err := app.New(cfg, logger, app.WithUserAgent("prepcoach/"+version))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cmd.run(ctx, a, args[1:], out)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage: prepcoach <command> [arguments]")
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  sessions                          List your sessions")
	fmt.Fprintln(out, "  session <session-id>              Show one session")
	fmt.Fprintln(out, "  create <role> <years> <topics>    Create a session")
	fmt.Fprintln(out, "  delete <session-id>               Delete a session")
	fmt.Fprintln(out, "  questions <session-id>            List a session's questions")
	fmt.Fprintln(out, "  generate <session-id>             Generate more questions")
	fmt.Fprintln(out, "  pin <question-id> <session-id>    Pin or unpin a question")
	fmt.Fprintln(out, "  profile                           Show your profile")
	fmt.Fprintln(out, "  update-profile [--name] [--photo] Update your name and/or photo")
	fmt.Fprintln(out, "  version                           Show version")
	fmt.Fprintln(out, "Environment:")
	fmt.Fprintln(out, "  PREP_CONFIG              Config file (default ~/.config/prepcoach/config.toml)")
	fmt.Fprintln(out, "  PREP_API_BASE_URL        Backend URL (default http://localhost:5000)")
	fmt.Fprintln(out, "  PREP_API_SESSION_COOKIE  Value of the backend's session cookie")
	fmt.Fprintln(out, "  PREP_API_TOKEN           Bearer token, instead of a cookie")
	fmt.Fprintln(out, "  PREP_LOG_LEVEL           debug, info, warn or error")
}

// describe renders err for the terminal. Backend and local rejections use
// the same text a notification would.
func describe(err error) string {
	if api.IsDomain(err) || api.IsTransport(err) || api.IsStale(err) {
		return api.Notice(err)
	}
	return err.Error()
}

// await waits for a binding to settle and returns its value or its error
func await[T any](ctx context.Context, b *query.Binding[T]) (T, error) {
	defer b.Close()
	v, err := b.Await(ctx)
	if err != nil {
		return v.Value, err
	}
	if v.Err != nil {
		return v.Value, v.Err
	}
	return v.Value, nil
}

func runSessions(ctx context.Context, a *app.App, _ []string, out io.Writer) error {
	sessions, err := await(ctx, a.Sessions())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions yet. Create one with: prepcoach create <role> <years> <topics>")
		return nil
	}
	for _, s := range sessions {
		printSession(out, s)
	}
	return nil
}

func runSession(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	s, err := await(ctx, a.Session(args[0]))
	if err != nil {
		return err
	}
	printSession(out, s)
	return nil
}

func runCreate(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	years, err := strconv.Atoi(args[1])
	if err != nil || years < 0 {
		return fmt.Errorf("years must be a non-negative number, got %q", args[1])
	}
	s, err := a.CreateSession(ctx, api.SessionInput{
		Role:            args[0],
		ExperienceYears: years,
		TopicsToFocus:   strings.Join(args[2:], " "),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, app.SuccessNotice(mutation.KindCreateSession))
	printSession(out, s)
	return nil
}

func runDelete(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	msg, err := a.DeleteSession(ctx, args[0])
	if err != nil {
		return err
	}
	if msg == "" {
		msg = app.SuccessNotice(mutation.KindDeleteSession)
	}
	fmt.Fprintln(out, msg)
	return nil
}

func runQuestions(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	qs, err := await(ctx, a.Questions(args[0]))
	if err != nil {
		return err
	}
	if len(qs) == 0 {
		fmt.Fprintf(out, "No questions yet. Generate some with: prepcoach generate %s\n", args[0])
		return nil
	}
	printQuestions(out, qs)
	return nil
}

func runGenerate(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	qs, err := a.GenerateQuestions(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(out, app.SuccessNotice(mutation.KindGenerateQuestions))
	printQuestions(out, qs)
	return nil
}

func runPin(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	q, err := a.TogglePin(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	state := "unpinned"
	if q.IsPinned {
		state = "pinned"
	}
	fmt.Fprintf(out, "%s (%s)\n", app.SuccessNotice(mutation.KindTogglePin), state)
	return nil
}

func runProfile(ctx context.Context, a *app.App, _ []string, out io.Writer) error {
	p, err := await(ctx, a.Profile())
	if err != nil {
		return err
	}
	printProfile(out, p)
	return nil
}

func runUpdateProfile(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("update-profile", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	name := fs.String("name", "", "new full name")
	photo := fs.String("photo", "", "path to a new profile photo")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("update-profile: %w", err)
	}

	upd := api.ProfileUpdate{FullName: strings.TrimSpace(*name)}
	if *photo != "" {
		data, err := os.ReadFile(*photo)
		if err != nil {
			return fmt.Errorf("read photo: %w", err)
		}
		upd.Photo = data
		upd.PhotoName = filepath.Base(*photo)
	}

	p, err := a.UpdateProfile(ctx, upd)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, app.SuccessNotice(mutation.KindUpdateProfile))
	printProfile(out, p)
	return nil
}

func printSession(out io.Writer, s api.Session) {
	fmt.Fprintf(out, "%s  %s (%d yrs)  %s  %s\n", s.ID, s.Role, s.ExperienceYears, s.TopicsToFocus, s.CreatedAt.Format("2006-01-02"))
}

func printQuestions(out io.Writer, qs []api.Question) {
	for i, q := range qs {
		pin := " "
		if q.IsPinned {
			pin = "*"
		}
		fmt.Fprintf(out, "%s %d. [%s] %s\n", pin, i+1, q.ID, q.Question)
		fmt.Fprintf(out, "     %s\n", q.Answer)
	}
}

func printProfile(out io.Writer, p api.UserProfile) {
	fmt.Fprintf(out, "Name:  %s\n", p.FullName)
	if p.Email != "" {
		fmt.Fprintf(out, "Email: %s\n", p.Email)
	}
	if p.AvatarURL != "" {
		fmt.Fprintf(out, "Photo: %s\n", p.AvatarURL)
	}
}
