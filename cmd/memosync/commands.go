package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/animemo/memosync/internal/app"
	"github.com/animemo/memosync/internal/domain"
	"github.com/animemo/memosync/internal/errors"
	"github.com/animemo/memosync/internal/identity"
	"github.com/animemo/memosync/internal/memo"
	"github.com/animemo/memosync/internal/recent"
)

// env is what a subcommand runs against.
type env struct {
	app    *app.App
	auth   *identity.Local
	tokens *identity.TokenService
	out    io.Writer
	in     io.Reader

	asUID  string
	asName string
	token  string
}

type command struct {
	name    string
	usage   string
	summary string
	// signIn commands run inside a signed-in session.
	signIn bool
	run    func(ctx context.Context, e *env, args []string) error
}

type usageError struct{ msg string }

func (u usageError) Error() string { return u.msg }

func badUsage(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

var commands = map[string]*command{
	"add":       {name: "add", usage: "[-rating N] [-note TEXT] [-date YYYY-MM-DD] <title>", summary: "Record a watched title", signIn: true, run: runAdd},
	"list":      {name: "list", usage: "[-q TEXT] [-year Y,...] [-month M,...] [-rating R,...]", summary: "List watch history, newest first", signIn: true, run: runList},
	"edit":      {name: "edit", usage: "<id> [-title T] [-rating N | -clear-rating] [-note TEXT] [-date YYYY-MM-DD]", summary: "Change a record", signIn: true, run: runEdit},
	"delete":    {name: "delete", usage: "<id> [-yes]", summary: "Delete a record", signIn: true, run: runDelete},
	"recent":    {name: "recent", summary: "Show the recently watched summary", signIn: true, run: runRecent},
	"profile":   {name: "profile", usage: "[set [-name N] [-photo URL] [-status S] [-favorite F] [-public-favorite] [-public-recent]]", summary: "Show or edit your profile", signIn: true, run: runProfile},
	"search":    {name: "search", usage: "<handle or identity>", summary: "Look up another user", signIn: true, run: runSearch},
	"befriend":  {name: "befriend", usage: "<handle or identity>", summary: "Add a friend on both sides", signIn: true, run: runBefriend},
	"friends":   {name: "friends", summary: "List your friends", signIn: true, run: runFriends},
	"mylist":    {name: "mylist", usage: "[add <title> | remove <index>]", summary: "Show or edit your watch list", signIn: true, run: runMyList},
	"recommend": {name: "recommend", usage: "[-reason TEXT] <handle or identity> <title>", summary: "Recommend a title to someone", signIn: true, run: runRecommend},
	"inbox":     {name: "inbox", summary: "List recommendations sent to you", signIn: true, run: runInbox},
	"accept":    {name: "accept", usage: "<recommendation id>", summary: "Move a recommendation into your list", signIn: true, run: runAccept},
	"decline":   {name: "decline", usage: "<recommendation id>", summary: "Discard a recommendation", signIn: true, run: runDecline},
	"token":     {name: "token", usage: "(with -as)", summary: "Issue a session token for -as", run: runToken},
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return badUsage("%v", err)
	}
	return nil
}

// synced waits for the session and the collection.
func (e *env) synced(ctx context.Context) (memo.Snapshot, error) {
	s, err := e.app.WaitSession(ctx)
	if err != nil {
		return memo.Snapshot{}, err
	}
	if s.Err != nil {
		return memo.Snapshot{}, s.Err
	}
	return e.app.Memo.AwaitSynced(ctx)
}

func (e *env) caller(ctx context.Context) (domain.Caller, error) {
	return e.app.Caller(ctx)
}

// parseDate accepts a calendar date in local time or an RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Validationf("invalid date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

func parseInts(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for part := range strings.SplitSeq(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Validationf("invalid number %q", part)
		}
		out = append(out, v)
	}
	return out, nil
}

func formatRating(r *int) string {
	if r == nil {
		return "-"
	}
	return strconv.Itoa(*r)
}

func printRecord(w io.Writer, r domain.WatchRecord) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Date.In(time.Local).Format(time.DateOnly), formatRating(r.Rating), r.Title)
}

func runAdd(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("add")
	rating := fs.Int("rating", 0, "Rating from 1 to 10")
	note := fs.String("note", "", "Free-text note")
	date := fs.String("date", "", "Watch date (default: now)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	title := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(title) == "" {
		return badUsage("title is required")
	}

	in := domain.WatchInput{Title: title, Note: *note}
	if *rating != 0 {
		in.Rating = domain.IntPtr(*rating)
	}
	if *date != "" {
		t, err := parseDate(*date)
		if err != nil {
			return err
		}
		in.Date = t
	}

	if _, err := e.synced(ctx); err != nil {
		return err
	}
	rec, err := e.app.Memo.Add(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "added %s %q\n", rec.ID, rec.Title)
	return nil
}

func runList(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("list")
	query := fs.String("q", "", "Title contains, ignoring case")
	years := fs.String("year", "", "Comma-separated years")
	months := fs.String("month", "", "Comma-separated months (1-12)")
	ratings := fs.String("rating", "", "Comma-separated ratings")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	f := memo.Filter{SearchText: *query, Location: time.Local}
	var err error
	if f.Years, err = parseInts(*years); err != nil {
		return err
	}
	if f.Ratings, err = parseInts(*ratings); err != nil {
		return err
	}
	ms, err := parseInts(*months)
	if err != nil {
		return err
	}
	for _, m := range ms {
		if m < 1 || m > 12 {
			return errors.Validationf("invalid month %d", m)
		}
		f.Months = append(f.Months, time.Month(m))
	}

	snap, err := e.synced(ctx)
	if err != nil {
		return err
	}
	records := memo.ByDateDesc(f.Apply(snap.Records))
	if len(records) == 0 {
		fmt.Fprintln(e.out, "no records")
		return nil
	}

	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tRATING\tTITLE")
	for _, r := range records {
		printRecord(tw, r)
	}
	return tw.Flush()
}

func runEdit(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		return badUsage("record id is required")
	}
	recordID := args[0]

	fs := newFlagSet("edit")
	title := fs.String("title", "", "New title")
	rating := fs.Int("rating", 0, "New rating from 1 to 10")
	clearRating := fs.Bool("clear-rating", false, "Remove the rating")
	note := fs.String("note", "", "New note")
	date := fs.String("date", "", "New watch date")
	if err := parseFlags(fs, args[1:]); err != nil {
		return err
	}

	var patch domain.WatchPatch
	var dateErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "title":
			patch.Title = title
		case "rating":
			patch.Rating = domain.IntPtr(*rating)
		case "clear-rating":
			patch.ClearRating = *clearRating
		case "note":
			patch.Note = note
		case "date":
			t, err := parseDate(*date)
			if err != nil {
				dateErr = err
				return
			}
			patch.Date = &t
		}
	})
	if dateErr != nil {
		return dateErr
	}
	if patch.IsEmpty() {
		return badUsage("nothing to change")
	}

	if _, err := e.synced(ctx); err != nil {
		return err
	}
	rec, err := e.app.Memo.Update(ctx, recordID, patch)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	printRecord(tw, rec)
	return tw.Flush()
}

func runDelete(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		return badUsage("record id is required")
	}
	recordID := args[0]

	fs := newFlagSet("delete")
	yes := fs.Bool("yes", false, "Skip confirmation")
	if err := parseFlags(fs, args[1:]); err != nil {
		return err
	}

	snap, err := e.synced(ctx)
	if err != nil {
		return err
	}
	var target *domain.WatchRecord
	for i := range snap.Records {
		if snap.Records[i].ID == recordID {
			target = &snap.Records[i]
			break
		}
	}
	if target == nil {
		return errors.NotFoundf("record %s not found", recordID)
	}

	if !*yes && !confirm(e.in, e.out, fmt.Sprintf("Delete %q?", target.Title)) {
		fmt.Fprintln(e.out, "cancelled")
		return nil
	}
	if err := e.app.Memo.Delete(ctx, recordID); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "deleted %s\n", recordID)
	return nil
}

// confirm asks a yes/no question and treats anything but y or yes as no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func runRecent(ctx context.Context, e *env, _ []string) error {
	snap, err := e.synced(ctx)
	if err != nil {
		return err
	}
	titles := recent.Derive(snap.Records)
	if len(titles) == 0 {
		fmt.Fprintln(e.out, "nothing watched yet")
		return nil
	}
	for i, t := range titles {
		fmt.Fprintf(e.out, "%d. %s\n", i+1, t)
	}
	return nil
}

func runProfile(ctx context.Context, e *env, args []string) error {
	s, err := e.app.WaitSession(ctx)
	if err != nil {
		return err
	}
	if _, err := s.Caller(); err != nil {
		return err
	}
	p := s.Profile

	if len(args) > 0 {
		if args[0] != "set" {
			return badUsage("unknown profile action %q", args[0])
		}
		fs := newFlagSet("profile set")
		name := fs.String("name", p.Name, "Display name")
		photo := fs.String("photo", p.PhotoURL, "Photo URL")
		status := fs.String("status", p.StatusMessage, "Status message")
		favorite := fs.String("favorite", p.FavoriteAnime, "Favorite anime")
		publicFavorite := fs.Bool("public-favorite", p.IsFavoriteAnimePublic, "Show favorite anime publicly")
		publicRecent := fs.Bool("public-recent", p.IsRecentAnimesPublic, "Publish recently watched titles")
		if err := parseFlags(fs, args[1:]); err != nil {
			return err
		}
		p, err = e.app.SaveProfile(ctx, domain.ProfileEdit{
			Name:                  *name,
			PhotoURL:              *photo,
			StatusMessage:         *status,
			FavoriteAnime:         *favorite,
			IsFavoriteAnimePublic: *publicFavorite,
			IsRecentAnimesPublic:  *publicRecent,
		})
		if err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "identity\t%s\n", p.UID)
	fmt.Fprintf(tw, "handle\t%s\n", p.CustomUID)
	fmt.Fprintf(tw, "name\t%s\n", p.Name)
	fmt.Fprintf(tw, "status\t%s\n", p.StatusMessage)
	fmt.Fprintf(tw, "favorite\t%s (public: %t)\n", p.FavoriteAnime, p.IsFavoriteAnimePublic)
	fmt.Fprintf(tw, "recent\t%s (public: %t)\n", strings.Join(p.RecentAnimes, ", "), p.IsRecentAnimesPublic)
	fmt.Fprintf(tw, "friends\t%d\n", len(p.Friends))
	return tw.Flush()
}

func runSearch(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		return badUsage("query is required")
	}
	caller, err := e.caller(ctx)
	if err != nil {
		return err
	}
	m, err := e.app.Friends.Search(ctx, caller, strings.Join(args, " "))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "handle\t%s\n", m.Handle)
	fmt.Fprintf(tw, "name\t%s\n", m.Profile.Name)
	if m.Profile.StatusMessage != "" {
		fmt.Fprintf(tw, "status\t%s\n", m.Profile.StatusMessage)
	}
	if m.Profile.FavoriteAnime != "" {
		fmt.Fprintf(tw, "favorite\t%s\n", m.Profile.FavoriteAnime)
	}
	if len(m.Profile.RecentAnimes) > 0 {
		fmt.Fprintf(tw, "recent\t%s\n", strings.Join(m.Profile.RecentAnimes, ", "))
	}
	return tw.Flush()
}

func runBefriend(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return badUsage("one handle is required")
	}
	caller, err := e.caller(ctx)
	if err != nil {
		return err
	}
	m, err := e.app.Friends.Search(ctx, caller, args[0])
	if err != nil {
		return err
	}
	friendship, err := e.app.Friends.AddFriend(ctx, caller, m)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "you and %s (%s) are now friends\n", m.Profile.Name, friendship.To)
	return nil
}

func runFriends(ctx context.Context, e *env, _ []string) error {
	caller, err := e.caller(ctx)
	if err != nil {
		return err
	}
	friends, err := e.app.Friends.Friends(ctx, caller)
	if err != nil {
		return err
	}
	if len(friends) == 0 {
		fmt.Fprintln(e.out, "no friends yet")
		return nil
	}
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tNAME")
	for _, f := range friends {
		fmt.Fprintf(tw, "%s\t%s\n", f.Handle, f.Name)
	}
	return tw.Flush()
}

func runMyList(ctx context.Context, e *env, args []string) error {
	caller, err := e.caller(ctx)
	if err != nil {
		return err
	}

	if len(args) > 0 {
		switch args[0] {
		case "add":
			item, err := e.app.Profiles.AddToMyList(ctx, caller.Identity, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "added %q to your list\n", item.Title)
			return nil
		case "remove":
			if len(args) != 2 {
				return badUsage("remove takes one index")
			}
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return badUsage("invalid index %q", args[1])
			}
			// Indexes are shown starting at 1.
			if err := e.app.Profiles.RemoveFromMyList(ctx, caller.Identity, index-1); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "removed item %d\n", index)
			return nil
		default:
			return badUsage("unknown mylist action %q", args[0])
		}
	}

	p, err := e.app.Profiles.Get(ctx, caller.Identity)
	if err != nil {
		return err
	}
	if len(p.MyList) == 0 {
		fmt.Fprintln(e.out, "your list is empty")
		return nil
	}
	for i, item := range p.MyList {
		fmt.Fprintf(e.out, "%d. %s\n", i+1, item.Title)
	}
	return nil
}

func runRecommend(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("recommend")
	reason := fs.String("reason", "", "Why they should watch it")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return badUsage("recipient and title are required")
	}

	caller, err := e.caller(ctx)
	if err != nil {
		return err
	}
	m, err := e.app.Friends.Search(ctx, caller, fs.Arg(0))
	if err != nil {
		return err
	}
	rec, err := e.app.Recommendations.Send(ctx, caller, m.Identity, strings.Join(fs.Args()[1:], " "), *reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "recommended %q to %s (%s)\n", rec.AnimeTitle, m.Profile.Name, rec.ID)
	return nil
}

func runInbox(ctx context.Context, e *env, _ []string) error {
	caller, err := e.caller(ctx)
	if err != nil {
		return err
	}
	recs, err := e.app.Recommendations.List(ctx, caller.Identity)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(e.out, "no recommendations")
		return nil
	}
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFROM\tTITLE\tREASON")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.FromName, r.AnimeTitle, r.Reason)
	}
	return tw.Flush()
}

func runAccept(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return badUsage("one recommendation id is required")
	}
	caller, err := e.caller(ctx)
	if err != nil {
		return err
	}
	item, err := e.app.Recommendations.Accept(ctx, caller.Identity, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "added %q to your list\n", item.Title)
	return nil
}

func runDecline(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return badUsage("one recommendation id is required")
	}
	caller, err := e.caller(ctx)
	if err != nil {
		return err
	}
	if err := e.app.Recommendations.Decline(ctx, caller.Identity, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(e.out, "declined")
	return nil
}

func runToken(_ context.Context, e *env, _ []string) error {
	if e.asUID == "" {
		return badUsage("-as is required")
	}
	token, err := e.tokens.Issue(identity.Identity{ID: e.asUID, DisplayName: e.asName})
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, token)
	return nil
}
