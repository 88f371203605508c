package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"wafleet/internal/broadcast"
	"wafleet/internal/category"
	"wafleet/internal/faults"
	"wafleet/internal/tenant"
	logx "wafleet/pkg/logx"
)

// uncategorized defaults mirrored by the dashboard.
const (
	defaultCategoryColor = "#e0e0e0"
	defaultCategoryName  = "Uncategorized"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.KindValidation, faults.KindQuotaExceeded:
		status = http.StatusBadRequest
	case faults.KindNotFound:
		status = http.StatusNotFound
	case faults.KindConflict:
		status = http.StatusConflict
	case faults.KindTransport:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", logx.Err(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// tenantOf resolves the caller's tenant from the X-User-ID header, the
// user query parameter, or (for POSTs) the decoded body's user field.
func tenantOf(r *http.Request, bodyUser string) (tenant.Key, error) {
	token := r.Header.Get("X-User-ID")
	if token == "" {
		token = r.URL.Query().Get("user")
	}
	if token == "" {
		token = bodyUser
	}
	return tenant.Resolve(token)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return faults.New(faults.KindValidation, "request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return faults.Wrap(faults.KindValidation, "invalid request body", err)
	}
	return nil
}

func (s *Server) handleAccountsList(w http.ResponseWriter, r *http.Request) {
	t, err := tenantOf(r, "")
	if err != nil {
		s.writeErr(w, err)
		return
	}
	accounts, err := s.reg.List(r.Context(), t)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleAccountAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		User string `json:"user"`
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, err)
		return
	}
	t, err := tenantOf(r, body.User)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	acc, err := s.reg.Add(r.Context(), t, body.Name)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	// Kick off pairing right away so the dashboard can poll for the
	// artifact.
	s.sessions.Connect(t, acc.ID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "accountId": acc.ID})
}

func (s *Server) handleAccountDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		User      string `json:"user"`
		AccountID string `json:"accountId"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, err)
		return
	}
	t, err := tenantOf(r, body.User)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.reg.Remove(r.Context(), t, body.AccountID); err != nil {
		s.writeErr(w, err)
		return
	}
	// Campaign stop and connection teardown happen inside Terminate, in
	// that order.
	s.sessions.Terminate(t, body.AccountID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type statusEntry struct {
	Name      string          `json:"name"`
	Connected bool            `json:"connected"`
	QR        string          `json:"qr,omitempty"`
	Broadcast broadcastStatus `json:"broadcast"`
}

type broadcastStatus struct {
	IsRunning bool `json:"isRunning"`
	Progress  int  `json:"progress"`
	Total     int  `json:"total"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, err := tenantOf(r, "")
	if err != nil {
		s.writeErr(w, err)
		return
	}
	accounts, err := s.reg.List(r.Context(), t)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	result := make(map[string]statusEntry, len(accounts))
	for _, acc := range accounts {
		st := s.sessions.Status(t, acc.ID)
		prog := s.sched.Progress(t, acc.ID)
		result[acc.ID] = statusEntry{
			Name:      acc.Name,
			Connected: st.Connected,
			QR:        string(st.Pairing),
			Broadcast: broadcastStatus{
				IsRunning: prog.Running,
				Progress:  prog.Cursor,
				Total:     prog.Total,
			},
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCategoriesList(w http.ResponseWriter, r *http.Request) {
	t, err := tenantOf(r, "")
	if err != nil {
		s.writeErr(w, err)
		return
	}
	defs, err := s.ledger.List(r.Context(), t)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleCategoriesMutate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		User   string `json:"user"`
		Action string `json:"action"`
		Name   string `json:"name"`
		Color  string `json:"color"`
		ID     string `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, err)
		return
	}
	t, err := tenantOf(r, body.User)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	switch body.Action {
	case "create":
		_, err = s.ledger.Create(r.Context(), t, body.Name, body.Color)
	case "delete":
		err = s.ledger.Delete(r.Context(), t, body.ID)
	default:
		err = faults.Newf(faults.KindValidation, "unknown action %q", body.Action)
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}

	defs, err := s.ledger.List(r.Context(), t)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "categories": defs})
}

type groupEntry struct {
	JID           string `json:"jid"`
	Subject       string `json:"subject"`
	AccountID     string `json:"accountId"`
	AccountName   string `json:"accountName"`
	CategoryID    string `json:"categoryId,omitempty"`
	CategoryColor string `json:"categoryColor"`
	CategoryName  string `json:"categoryName"`
}

// handleGroups lists the groups of one account (or all) decorated with the
// owning account and any assigned category. Disconnected accounts are
// silently skipped, as is an account whose listing fails mid-flight.
func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	t, err := tenantOf(r, "")
	if err != nil {
		s.writeErr(w, err)
		return
	}
	accounts, err := s.reg.List(r.Context(), t)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	selector := r.URL.Query().Get("accountId")
	defs, err := s.ledger.List(r.Context(), t)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	assignments, err := s.ledger.Assignments(r.Context(), t)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	all := []groupEntry{}
	for _, acc := range accounts {
		if selector != "" && selector != broadcast.AllAccounts && selector != acc.ID {
			continue
		}
		conn, ok := s.sessions.Conn(t, acc.ID)
		if !ok {
			continue
		}
		groups, err := conn.ListGroups(r.Context())
		if err != nil {
			s.log.Warn("list groups failed", logx.String("account", acc.ID), logx.Err(err))
			continue
		}
		for _, g := range groups {
			entry := groupEntry{
				JID:           g.ID,
				Subject:       g.Name,
				AccountID:     acc.ID,
				AccountName:   acc.Name,
				CategoryColor: defaultCategoryColor,
				CategoryName:  defaultCategoryName,
			}
			if catID, assigned := assignments[g.ID]; assigned {
				entry.CategoryID = catID
				if def, ok := category.Describe(defs, catID); ok {
					entry.CategoryColor = def.Color
					entry.CategoryName = def.Name
				}
			}
			all = append(all, entry)
		}
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleAssignGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		User       string `json:"user"`
		GroupJID   string `json:"groupJid"`
		CategoryID string `json:"categoryId"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, err)
		return
	}
	t, err := tenantOf(r, body.User)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.ledger.Assign(r.Context(), t, body.GroupJID, body.CategoryID); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleBroadcastStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		User               string   `json:"user"`
		Message            string   `json:"message"`
		Interval           float64  `json:"interval"` // seconds
		TargetAccount      string   `json:"targetAccount"`
		TargetType         string   `json:"targetType"`
		SelectedCategories []string `json:"selectedCategories"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, err)
		return
	}
	t, err := tenantOf(r, body.User)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	req := broadcast.StartRequest{
		Account:    body.TargetAccount,
		Message:    body.Message,
		Interval:   time.Duration(body.Interval * float64(time.Second)),
		TargetType: broadcast.TargetType(body.TargetType),
		Categories: body.SelectedCategories,
	}
	started, err := s.sched.Start(r.Context(), t, req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if started == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "nothing started; check that accounts are connected and have groups",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "accountsActivated": started})
}

func (s *Server) handleBroadcastStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		User          string `json:"user"`
		TargetAccount string `json:"targetAccount"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, err)
		return
	}
	t, err := tenantOf(r, body.User)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.sched.Stop(t, body.TargetAccount)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
