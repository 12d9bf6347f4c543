package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/conorfennell/cardsync/internal/api"
	"github.com/conorfennell/cardsync/internal/config"
	"github.com/conorfennell/cardsync/internal/domain"
	"github.com/conorfennell/cardsync/internal/reconcile"
	"github.com/conorfennell/cardsync/internal/roster"
	"github.com/conorfennell/cardsync/internal/storage"
	"github.com/conorfennell/cardsync/internal/study"
	"github.com/conorfennell/cardsync/internal/web"
)

const usage = `Usage: cardsync [flags] <command> [args]

Commands:
  serve                       Run the HTTP bridge for the app
  cards                       List cards with local changes applied
  pending                     List local changes not yet sent
  toggle <id> <on|off>        Change a card locally; sent by 'flush'
  flush                       Send local changes in one batch
  next                        Show a random active card
  archive <id> <on|off>       Change a card on the server immediately
  add <question> <answer>     Create a card
  edit <id> <question> <answer>
  classes                     List your classes
  students <class>            List the students of a class
  search <query>              Find students by name or email
  assign <class> <id>...      Add students to a class, creating it if needed
  unassign <class> <id>       Remove a student from a class
  translate <text>            Translate between Spanish and English
  profile <email> <name> [institution]
  login <email> <password>    Print a token for CARDSYNC_API_TOKEN
  register <email> <name> <password>

Flags:
`

// app bundles the wired components for one command.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	db         *storage.DB
	client     *api.Client
	rec        *reconcile.Reconciler
	controller *reconcile.Controller
	deck       *study.Deck
	roster     *roster.Roster
}

func main() {
	flags := pflag.NewFlagSet("cardsync", pflag.ExitOnError)
	config.RegisterFlags(flags)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	flags.Parse(os.Args[1:])

	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	a, err := newApp(cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx, args[0], args[1:]); err != nil {
		a.db.Close()
		stop()
		log.Fatalf("%s: %v", args[0], err)
	}
}

func newApp(cfg config.Config) (*app, error) {
	logger := cfg.Log.Logger()
	slog.SetDefault(logger)

	db, err := storage.Open(cfg.DB.Path)
	if err != nil {
		return nil, err
	}

	client := api.New(cfg.API.URL, cfg.API.Timeout, api.WithToken(cfg.API.Token), api.WithLogger(logger))
	rec, err := reconcile.New(client, reconcile.WithJournal(db), reconcile.WithLogger(logger))
	if err != nil {
		db.Close()
		return nil, err
	}

	cached, fetchedAt, err := db.LoadSnapshot()
	if err != nil {
		db.Close()
		return nil, err
	}
	rec.Seed(cached, fetchedAt)

	controller := reconcile.NewController(rec, logger)
	return &app{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		client:     client,
		rec:        rec,
		controller: controller,
		deck:       study.NewDeck(client, controller, nil, logger),
		roster:     roster.New(client, logger),
	}, nil
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "serve":
		return a.serve(ctx)
	case "cards":
		return a.cards(ctx)
	case "pending":
		return a.pending()
	case "toggle":
		return a.toggle(ctx, args)
	case "flush":
		return a.flush(ctx)
	case "next":
		return a.next(ctx)
	case "archive":
		return a.archive(ctx, args)
	case "add":
		return a.add(ctx, args)
	case "edit":
		return a.edit(ctx, args)
	case "classes":
		return a.classes(ctx)
	case "students":
		return a.students(ctx, args)
	case "search":
		return a.search(ctx, args)
	case "assign":
		return a.assign(ctx, args)
	case "unassign":
		return a.unassign(ctx, args)
	case "translate":
		return a.translate(ctx, args)
	case "profile":
		return a.profile(ctx, args)
	case "login":
		return a.login(ctx, args)
	case "register":
		return a.register(ctx, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func wantArgs(args []string, n int, form string) error {
	if len(args) != n {
		return fmt.Errorf("usage: cardsync %s", form)
	}
	return nil
}

func parseCardID(s string) (domain.CardID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid card id %q", s)
	}
	return domain.CardID(id), nil
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on", "active", "true", "1":
		return true, nil
	case "off", "archived", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

// ensureSnapshot refreshes from the card API, falling back to the cached
// snapshot when the API cannot be reached.
func (a *app) ensureSnapshot(ctx context.Context) error {
	err := a.rec.Refresh(ctx)
	if err == nil {
		return nil
	}
	if at := a.rec.RefreshedAt(); !at.IsZero() {
		a.logger.Warn("Using cached cards", "fetched_at", at.Format(time.RFC3339), "error", err)
		return nil
	}
	return err
}

func (a *app) serve(ctx context.Context) error {
	// The study view reads remote state. Without it or a cache, the first
	// card read retries the fetch.
	if err := a.ensureSnapshot(ctx); err != nil {
		a.logger.Warn("Starting without cards", "error", err)
	}

	server := &http.Server{
		Addr:              a.cfg.Web.Addr,
		Handler:           web.NewServer(a.controller, a.deck, a.roster, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP bridge listening", "addr", a.cfg.Web.Addr, "pending", len(a.rec.Pending()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Shutdown error", "error", err)
	}

	// A list session left open is flushed before exit; whatever fails stays
	// in the journal for the next start.
	if a.controller.Session() != nil {
		if _, err := a.controller.OnExitListSession(shutdownCtx, reconcile.StudyView); err != nil {
			a.logger.Warn("Pending changes kept for next start", "count", len(a.rec.Pending()), "error", err)
		}
	}
	return nil
}

func (a *app) cards(ctx context.Context) error {
	if err := a.ensureSnapshot(ctx); err != nil {
		return err
	}
	pending := a.rec.Pending()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACTIVE\tQUESTION\tANSWER")
	for _, c := range a.rec.DisplayCards() {
		mark := ""
		if _, ok := pending[c.ID]; ok {
			mark = "*"
		}
		fmt.Fprintf(w, "%d\t%t%s\t%s\t%s\n", c.ID, c.Active, mark, c.Question, c.Answer)
	}
	return w.Flush()
}

func (a *app) pending() error {
	updates := domain.Updates(a.rec.Pending())
	if len(updates) == 0 {
		fmt.Println("No pending changes.")
		return nil
	}
	for _, u := range updates {
		fmt.Printf("%d\tactive=%t\n", u.ID, u.Active)
	}
	return nil
}

func (a *app) toggle(ctx context.Context, args []string) error {
	if err := wantArgs(args, 2, "toggle <id> <on|off>"); err != nil {
		return err
	}
	id, err := parseCardID(args[0])
	if err != nil {
		return err
	}
	active, err := parseOnOff(args[1])
	if err != nil {
		return err
	}
	if a.rec.RefreshedAt().IsZero() {
		if err := a.rec.Refresh(ctx); err != nil {
			return err
		}
	}
	if err := a.rec.SetLocalActive(id, active); err != nil {
		return err
	}
	fmt.Printf("Card %d set to active=%t locally (%d pending).\n", id, active, len(a.rec.Pending()))
	return nil
}

func (a *app) flush(ctx context.Context) error {
	res, err := a.rec.Flush(ctx)
	if len(res.Sent) == 0 && err == nil {
		fmt.Println("Nothing to flush.")
		return nil
	}
	if res.RefreshErr != nil {
		a.logger.Warn("Refresh after flush failed", "error", res.RefreshErr)
	}
	if err != nil {
		return fmt.Errorf("%w (%d changes kept for retry)", err, len(res.Retained))
	}
	fmt.Printf("Sent %d changes, %d applied.\n", len(res.Sent), res.Applied)
	return nil
}

func (a *app) next(ctx context.Context) error {
	if err := a.ensureSnapshot(ctx); err != nil {
		return err
	}
	card, err := a.deck.Next(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("[%d] %s\n    %s\n", card.ID, card.Question, card.Answer)
	return nil
}

func (a *app) archive(ctx context.Context, args []string) error {
	if err := wantArgs(args, 2, "archive <id> <on|off>"); err != nil {
		return err
	}
	id, err := parseCardID(args[0])
	if err != nil {
		return err
	}
	active, err := parseOnOff(args[1])
	if err != nil {
		return err
	}
	card, err := a.deck.Archive(ctx, id, active)
	if err != nil {
		return err
	}
	fmt.Printf("Card %d is now active=%t.\n", card.ID, card.Active)
	return nil
}

func (a *app) add(ctx context.Context, args []string) error {
	if err := wantArgs(args, 2, "add <question> <answer>"); err != nil {
		return err
	}
	if err := a.ensureSnapshot(ctx); err != nil {
		return err
	}
	card, err := a.deck.Add(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Created card %d.\n", card.ID)
	return nil
}

func (a *app) edit(ctx context.Context, args []string) error {
	if err := wantArgs(args, 3, "edit <id> <question> <answer>"); err != nil {
		return err
	}
	id, err := parseCardID(args[0])
	if err != nil {
		return err
	}
	card, err := a.deck.Edit(ctx, id, args[1], args[2])
	if err != nil {
		return err
	}
	fmt.Printf("Updated card %d.\n", card.ID)
	return nil
}

func parseStudentID(s string) (api.StudentID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid student id %q", s)
	}
	return api.StudentID(id), nil
}

func printStudents(students []api.Student) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tEMAIL")
	for _, st := range students {
		fmt.Fprintf(w, "%d\t%s\t%s\n", st.ID, st.Name, st.Email)
	}
	return w.Flush()
}

func (a *app) classes(ctx context.Context) error {
	classes, err := a.roster.Classes(ctx)
	if err != nil {
		return err
	}
	if len(classes) == 0 {
		fmt.Println("No classes.")
		return nil
	}
	for _, c := range classes {
		fmt.Printf("%s\t%d students\n", c.Name, c.StudentCount)
	}
	return nil
}

func (a *app) students(ctx context.Context, args []string) error {
	if err := wantArgs(args, 1, "students <class>"); err != nil {
		return err
	}
	students, err := a.roster.Students(ctx, args[0])
	if err != nil {
		return err
	}
	return printStudents(students)
}

func (a *app) search(ctx context.Context, args []string) error {
	if err := wantArgs(args, 1, "search <query>"); err != nil {
		return err
	}
	found, err := a.roster.Search(ctx, args[0])
	if err != nil {
		return err
	}
	return printStudents(found)
}

func (a *app) assign(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: cardsync assign <class> <id>...")
	}
	ids := make([]api.StudentID, 0, len(args)-1)
	for _, arg := range args[1:] {
		id, err := parseStudentID(arg)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if err := a.roster.Assign(ctx, args[0], ids); err != nil {
		return err
	}
	fmt.Printf("Assigned %d students to %s.\n", len(ids), args[0])
	return nil
}

func (a *app) unassign(ctx context.Context, args []string) error {
	if err := wantArgs(args, 2, "unassign <class> <id>"); err != nil {
		return err
	}
	id, err := parseStudentID(args[1])
	if err != nil {
		return err
	}
	left, err := a.roster.Remove(ctx, args[0], id)
	if err != nil {
		return err
	}
	fmt.Printf("Removed student %d; %d left in %s.\n", id, len(left), args[0])
	return nil
}

func (a *app) translate(ctx context.Context, args []string) error {
	if err := wantArgs(args, 1, "translate <text>"); err != nil {
		return err
	}
	text, err := a.roster.Translate(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

func (a *app) profile(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("usage: cardsync profile <email> <name> [institution]")
	}
	p := api.Profile{Email: args[0], Name: args[1]}
	if len(args) == 3 {
		p.Institution = args[2]
	}
	saved, err := a.roster.UpdateProfile(ctx, p)
	if err != nil {
		return err
	}
	fmt.Printf("Profile saved for %s <%s>.\n", saved.Name, saved.Email)
	return nil
}

func (a *app) login(ctx context.Context, args []string) error {
	if err := wantArgs(args, 2, "login <email> <password>"); err != nil {
		return err
	}
	session, err := a.client.Login(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Println(session.Token)
	return nil
}

func (a *app) register(ctx context.Context, args []string) error {
	if err := wantArgs(args, 3, "register <email> <name> <password>"); err != nil {
		return err
	}
	if err := a.client.Register(ctx, args[0], args[1], args[2]); err != nil {
		return err
	}
	fmt.Println("Registered. Run 'cardsync login' to get a token.")
	return nil
}
