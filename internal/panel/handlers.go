package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"adbot/internal/errors"
	"adbot/internal/metrics"
	"adbot/internal/remote"
	"adbot/internal/storage"
	logx "adbot/pkg/logx"
)

const defaultLeaveReason = "requested by user"

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body response) {
	body.Success = status < 400
	if body.RequestID == "" && r != nil {
		body.RequestID = requestIDFrom(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{Message: "invalid JSON body: " + err.Error(), ErrorType: errTypeValidation})
		return false
	}
	return true
}

func (s *Server) notReady(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Groups != nil && s.deps.Groups.Ready() {
		return false
	}
	writeJSON(w, r, http.StatusServiceUnavailable, response{
		Message:   "bot is not connected; try again in a few minutes",
		ErrorType: errTypeNotReady,
	})
	return true
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req joinRequest
	if !decode(w, r, &req) {
		return
	}
	req.GroupID = strings.TrimSpace(req.GroupID)
	if req.GroupID == "" || req.UserID == "" {
		writeJSON(w, r, http.StatusBadRequest, response{Message: "group_id and user_id are required", ErrorType: errTypeValidation})
		return
	}
	if s.notReady(w, r) {
		return
	}
	ctx := r.Context()
	audit := storage.AuditEntry{Source: "panel", Action: "join", GroupID: req.GroupID, ActorID: actorID(req.UserID)}

	info, err := s.deps.Groups.GroupInfo(ctx, req.GroupID)
	if err != nil {
		s.audit(ctx, audit, start, err)
		if errors.IsNotFound(err) || errors.IsValidation(err) {
			writeJSON(w, r, http.StatusBadRequest, response{Message: "group not found or id invalid", ErrorType: errTypeInvalidGroup})
			return
		}
		s.log.Warn("group lookup failed", logx.String("group", req.GroupID), logx.Err(err))
		writeJSON(w, r, http.StatusInternalServerError, response{Message: "group lookup failed", ErrorType: errTypeUnknown})
		return
	}
	if !info.BotIsMember {
		s.audit(ctx, audit, start, errors.New("bot is not a member"))
		writeJSON(w, r, http.StatusBadRequest, response{Message: "add the bot to the group first", ErrorType: errTypeNotMember})
		return
	}

	now := s.now()
	name := strings.TrimSpace(info.Title)
	if name == "" {
		name = "Group " + info.ID
	}
	conf := remote.GroupConfirmation{
		UserID:         req.UserID.String(),
		GroupID:        info.ID,
		Name:           name,
		Description:    info.Description,
		IconURL:        info.PhotoURL,
		IsActive:       true,
		AutoAdsEnabled: req.AutoAds,
		MembersCount:   info.Members,
		BotIsAdmin:     info.BotIsAdmin,
		JoinedAt:       now,
		ExpiresAt:      now.AddDate(0, 0, s.cfg.MembershipDays),
	}
	if err := s.confirm(ctx, conf); err != nil {
		s.audit(ctx, audit, start, err)
		writeJSON(w, r, http.StatusBadGateway, response{
			Message:   "bot is in the group, but the panel confirmation failed",
			ErrorType: errTypeConfirmation,
		})
		return
	}

	s.audit(ctx, audit, start, nil)
	s.log.Info("group confirmed", logx.String("group", info.ID), logx.String("name", name), logx.Bool("auto_ads", req.AutoAds))
	writeJSON(w, r, http.StatusOK, response{
		Message: "group confirmed",
		Data: map[string]any{
			"group_id":           info.ID,
			"group_name":         name,
			"members_count":      info.Members,
			"bot_is_admin":       info.BotIsAdmin,
			"expires_at":         conf.ExpiresAt,
			"processing_time_ms": time.Since(start).Milliseconds(),
		},
	})
}

// confirm retries ConfirmGroup: attempt n is followed by an n*backoff pause.
func (s *Server) confirm(ctx context.Context, g remote.GroupConfirmation) error {
	var err error
	for attempt := 1; attempt <= s.cfg.ConfirmAttempts; attempt++ {
		if err = s.deps.Authority.ConfirmGroup(ctx, g); err == nil {
			metrics.PanelConfirmAttemptsTotal.WithLabelValues("ok").Inc()
			return nil
		}
		metrics.PanelConfirmAttemptsTotal.WithLabelValues("failed").Inc()
		s.log.Warn("group confirmation failed",
			logx.String("group", g.GroupID),
			logx.Int("attempt", attempt),
			logx.String("kind", errors.Kind(err)),
			logx.Err(err),
		)
		if attempt == s.cfg.ConfirmAttempts {
			break
		}
		if serr := s.sleep(ctx, time.Duration(attempt)*s.cfg.ConfirmBackoff); serr != nil {
			return errors.Wrap(serr, "confirm group")
		}
	}
	return errors.Wrapf(err, "confirm group %s after %d attempts", g.GroupID, s.cfg.ConfirmAttempts)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req leaveRequest
	if !decode(w, r, &req) {
		return
	}
	req.GroupID = strings.TrimSpace(req.GroupID)
	if req.GroupID == "" {
		writeJSON(w, r, http.StatusBadRequest, response{Message: "group_id is required", ErrorType: errTypeValidation})
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = defaultLeaveReason
	}
	if s.notReady(w, r) {
		return
	}
	ctx := r.Context()
	audit := storage.AuditEntry{Source: "panel", Action: "leave", GroupID: req.GroupID, ActorID: actorID(req.UserID), Target: req.Reason}

	if err := s.deps.Groups.LeaveGroup(ctx, req.GroupID); err != nil {
		s.audit(ctx, audit, start, err)
		status, typ := http.StatusInternalServerError, errTypeLeave
		if errors.IsNotFound(err) || errors.IsValidation(err) {
			status, typ = http.StatusBadRequest, errTypeInvalidGroup
		}
		writeJSON(w, r, status, response{Message: "could not leave the group", ErrorType: typ})
		return
	}

	left := remote.GroupLeft{UserID: req.UserID.String(), GroupID: req.GroupID, Reason: req.Reason, LeftAt: s.now()}
	if err := s.deps.Authority.NotifyGroupLeft(ctx, left); err != nil {
		s.log.Warn("notify group left failed", logx.String("group", req.GroupID), logx.Err(err))
	}
	s.audit(ctx, audit, start, nil)
	s.log.Info("left group", logx.String("group", req.GroupID), logx.String("reason", req.Reason))
	writeJSON(w, r, http.StatusOK, response{Message: "left the group"})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decode(w, r, &req) {
		return
	}
	req.GroupID = strings.TrimSpace(req.GroupID)
	if req.GroupID == "" {
		writeJSON(w, r, http.StatusBadRequest, response{Message: "group_id is required", ErrorType: errTypeValidation})
		return
	}
	if s.notReady(w, r) {
		return
	}

	info, err := s.deps.Groups.GroupInfo(r.Context(), req.GroupID)
	switch {
	case errors.IsNotFound(err) || errors.IsValidation(err):
		writeJSON(w, r, http.StatusOK, response{Message: "bot is not in the group or id invalid", Data: map[string]any{"is_member": false}})
		return
	case err != nil:
		writeJSON(w, r, http.StatusInternalServerError, response{Message: "could not verify group", ErrorType: errTypeUnknown})
		return
	}
	writeJSON(w, r, http.StatusOK, response{Data: map[string]any{
		"is_member": info.BotIsMember,
		"group_info": map[string]any{
			"id":            info.ID,
			"name":          info.Title,
			"description":   info.Description,
			"members_count": info.Members,
			"bot_is_admin":  info.BotIsAdmin,
		},
	}})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		writeJSON(w, r, http.StatusServiceUnavailable, response{Message: "sync unavailable", ErrorType: errTypeNotReady})
		return
	}
	if s.deps.Sync.Trigger(r.Context()) {
		writeJSON(w, r, http.StatusAccepted, response{Message: "sync started", Data: map[string]any{"started": true}})
		return
	}
	writeJSON(w, r, http.StatusOK, response{Message: "sync already running", Data: map[string]any{"started": false}})
}

type syncStatus struct {
	Scope    string    `json:"scope,omitempty"`
	At       time.Time `json:"at,omitempty"`
	Groups   int       `json:"groups"`
	Added    int       `json:"added"`
	Removed  int       `json:"removed"`
	Retained int       `json:"retained"`
	TookMS   int64     `json:"took_ms"`
	Err      string    `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	data := map[string]any{
		"ready":     s.deps.Groups != nil && s.deps.Groups.Ready(),
		"uptime_s":  int64(s.now().Sub(s.started).Seconds()),
		"timestamp": s.now(),
	}
	if s.deps.Sync != nil {
		last := s.deps.Sync.Last()
		st := syncStatus{
			Scope: last.Scope, At: last.At, Groups: last.Groups,
			Added: last.Added, Removed: last.Removed, Retained: last.Retained,
			TookMS: last.Took.Milliseconds(),
		}
		if last.Err != nil {
			st.Err = last.Err.Error()
		}
		data["last_sync"] = st
	}
	if s.deps.Status != nil {
		data["runtime"] = s.deps.Status(ctx)
	}
	if s.deps.Audit != nil {
		recent, err := s.deps.Audit.RecentAudit(ctx, 20)
		if err != nil {
			s.log.Warn("read audit failed", logx.Err(err))
		}
		data["audit"] = recent
	}
	writeJSON(w, r, http.StatusOK, response{Data: data})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, response{Data: map[string]any{
		"status":    "online",
		"ready":     s.deps.Groups != nil && s.deps.Groups.Ready(),
		"timestamp": s.now(),
	}})
}

func (s *Server) audit(ctx context.Context, e storage.AuditEntry, start time.Time, err error) {
	if s.deps.Audit == nil {
		return
	}
	e.At = s.now()
	e.OK = err == nil
	if err != nil {
		e.Error = err.Error()
	}
	e.TookMS = time.Since(start).Milliseconds()
	if aerr := s.deps.Audit.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		s.log.Warn("append audit failed", logx.String("action", e.Action), logx.Err(aerr))
	}
}

func actorID(userID remote.FlexString) int64 {
	id, _ := strconv.ParseInt(userID.String(), 10, 64)
	return id
}
