package commands

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"adbot/internal/errors"
	"adbot/internal/jobs"
	"adbot/internal/jobs/reconcile"
	"adbot/internal/remote"
	"adbot/internal/storage"
	logx "adbot/pkg/logx"
)

// Jobs is the mutation side used by the commands.
type Jobs interface {
	AddJob(ctx context.Context, groupID, content string, count int, unit jobs.Unit) (string, error)
	RemoveJob(ctx context.Context, groupID, localID string) error
	ListJobs(groupID string) []jobs.JobRecord
}

type Syncer interface {
	SyncAll(ctx context.Context) reconcile.Report
	SyncGroup(ctx context.Context, groupID string) reconcile.Report
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type AdsDeps struct {
	Jobs  Jobs
	Sync  Syncer
	Audit Auditor // optional
	// Location renders last-sent times; nil means time.Local.
	Location func() *time.Location
}

const (
	addUsage     = "/addads message|interval"
	addExample   = "/addads Attention everyone!|30m"
	previewRunes = 50
)

// AdsCommands returns the announcement commands bound to deps.
func AdsCommands(deps AdsDeps) []Command {
	a := &ads{deps: deps}
	return []Command{
		{
			Name:        "addads",
			Description: "add a recurring announcement to this group",
			Usage:       addUsage,
			OwnerOnly:   true,
			GroupOnly:   true,
			Timeout:     30 * time.Second,
			Handle:      a.add,
		},
		{
			Name:        "rmads",
			Description: "remove an announcement by id",
			Usage:       "/rmads ID",
			OwnerOnly:   true,
			GroupOnly:   true,
			Timeout:     30 * time.Second,
			Handle:      a.remove,
		},
		{
			Name:        "listads",
			Description: "list this group's announcements",
			Usage:       "/listads",
			OwnerOnly:   true,
			GroupOnly:   true,
			Timeout:     30 * time.Second,
			Handle:      a.list,
		},
		{
			Name:        "syncads",
			Description: "sync all announcements with the panel now",
			Usage:       "/syncads",
			OwnerOnly:   true,
			Timeout:     2 * time.Minute,
			Handle:      a.sync,
		},
	}
}

type ads struct{ deps AdsDeps }

func (a *ads) add(ctx context.Context, req *Request) (err error) {
	start := time.Now()
	msg, every, ok := cutLast(req.Args, "|")
	if !ok {
		req.Reply(ctx, "Wrong format.\n\nUse: "+addUsage+"\nExample: "+addExample)
		return nil
	}
	msg, every = strings.TrimSpace(msg), strings.TrimSpace(every)
	if msg == "" {
		req.Reply(ctx, "The message cannot be empty.")
		return nil
	}
	count, unit, perr := jobs.ParseInterval(every)
	if perr != nil {
		req.Reply(ctx, "Invalid interval. Minimum 1 minute, maximum 7 days.\nValid examples: 30m, 1h, 2h30m, 1d")
		return nil
	}

	defer func() { a.audit(ctx, req, "add", req.GroupID, start, err) }()
	id, err := a.deps.Jobs.AddJob(ctx, req.GroupID, msg, count, unit)
	if err != nil {
		req.Reply(ctx, "Could not create the announcement."+remoteHint(err, "add"))
		return err
	}
	req.Reply(ctx, strings.Join([]string{
		"Announcement created.",
		"",
		"ID: " + id,
		"Message: " + msg,
		"Interval: " + formatInterval(count, unit),
		"",
		"Use /listads to see all announcements.",
		"Use /rmads " + id + " to remove it.",
	}, "\n"))
	return nil
}

func (a *ads) remove(ctx context.Context, req *Request) (err error) {
	start := time.Now()
	id := strings.TrimSpace(req.Args)
	if id == "" {
		req.Reply(ctx, "Usage: /rmads ID\nExample: /rmads 1\n\nUse /listads to see the available IDs.")
		return nil
	}
	if _, convErr := strconv.ParseUint(id, 10, 64); convErr != nil {
		req.Reply(ctx, "The ID must be a number.\n\nUse /listads to see the valid IDs.")
		return nil
	}

	var existing *jobs.JobRecord
	for _, r := range a.deps.Jobs.ListJobs(req.GroupID) {
		if r.LocalID == id {
			r := r
			existing = &r
			break
		}
	}
	if existing == nil {
		req.Reply(ctx, "Announcement not found.\n\nThere is no announcement with ID "+id+" in this group.\nUse /listads to see the available announcements.")
		return nil
	}

	defer func() { a.audit(ctx, req, "remove", id, start, err) }()
	if err = a.deps.Jobs.RemoveJob(ctx, req.GroupID, id); err != nil {
		if errors.IsNotFound(err) {
			req.Reply(ctx, "Announcement "+id+" was already removed.")
			return nil
		}
		req.Reply(ctx, "Could not remove the announcement."+remoteHint(err, "remove"))
		return err
	}
	req.Reply(ctx, strings.Join([]string{
		"Announcement removed.",
		"",
		"ID: " + id,
		"Message: " + preview(existing.Content),
		"",
		"Use /listads to see the remaining announcements.",
	}, "\n"))
	return nil
}

func (a *ads) list(ctx context.Context, req *Request) error {
	rep := a.deps.Sync.SyncGroup(ctx, req.GroupID)
	records := a.deps.Jobs.ListJobs(req.GroupID)

	var b strings.Builder
	if rep.Err != nil && !rep.Skipped {
		b.WriteString("Could not refresh from the panel." + remoteHint(rep.Err, "list") + "\nShowing local announcements.\n\n")
	}
	if len(records) == 0 {
		b.WriteString("No active announcements in this group.\n\nUse " + addUsage + " to create one.\nExample: " + addExample)
		req.Reply(ctx, b.String())
		return nil
	}

	loc := time.Local
	if a.deps.Location != nil {
		if l := a.deps.Location(); l != nil {
			loc = l
		}
	}
	b.WriteString("Active announcements: " + strconv.Itoa(len(records)) + "\n")
	for _, r := range records {
		last := "never"
		if !r.LastSentAt.IsZero() {
			last = r.LastSentAt.In(loc).Format("02/01/06 15:04")
		}
		b.WriteString("\n#" + r.LocalID + " " + preview(r.Content) + "\n")
		b.WriteString("   " + formatInterval(r.IntervalCount, r.Unit) + "\n")
		b.WriteString("   last sent: " + last + "\n")
	}
	b.WriteString("\nCommands:\n" + addUsage + "\n/rmads ID\n/listads")
	req.Reply(ctx, b.String())
	return nil
}

func (a *ads) sync(ctx context.Context, req *Request) error {
	rep := a.deps.Sync.SyncAll(ctx)
	switch {
	case rep.Skipped:
		req.Reply(ctx, "A sync is already running.")
	case rep.Err != nil:
		req.Reply(ctx, "Sync failed."+remoteHint(rep.Err, "sync"))
		return rep.Err
	default:
		req.Reply(ctx, "Sync done: "+strconv.Itoa(rep.Groups)+" groups, "+
			strconv.Itoa(rep.Added)+" added, "+strconv.Itoa(rep.Removed)+" removed, "+
			strconv.Itoa(rep.Retained)+" pending.")
	}
	return nil
}

func (a *ads) audit(ctx context.Context, req *Request, action, target string, start time.Time, err error) {
	if a.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:            time.Now(),
		ActorID:       req.FromID,
		ActorUsername: req.FromUsername,
		Source:        "chat",
		GroupID:       req.GroupID,
		Action:        action,
		Target:        target,
		OK:            err == nil,
		TookMS:        time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := a.deps.Audit.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		req.Logger.Warn("append audit failed", logx.Err(aerr))
	}
}

// remoteHint turns a failure into a one-line explanation for the chat.
func remoteHint(err error, op string) string {
	status := remote.Status(err)
	switch {
	case errors.IsValidation(err):
		return "\n" + firstLine(err.Error())
	case status == 401 || status == 403:
		return "\nThe panel API token is invalid or expired."
	case status == 422:
		return "\nThe panel rejected the data as invalid."
	case errors.IsRemoteUnavailable(err):
		if op == "remove" {
			return "\nCould not reach the panel. The announcement was kept."
		}
		return "\nCould not reach the panel."
	case errors.IsRemoteRejected(err):
		return "\nThe panel rejected the request (" + strconv.Itoa(status) + ")."
	default:
		return "\nDetails: " + firstLine(err.Error())
	}
}

func formatInterval(count int, unit jobs.Unit) string {
	name := strings.TrimSuffix(string(unit), "s")
	if count != 1 {
		name += "s"
	}
	return "every " + strconv.Itoa(count) + " " + name
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:previewRunes]) + "..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}
