package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"clubledger/internal/ledger"
	"clubledger/internal/roster"
	logx "clubledger/pkg/logx"
)

// adminHandler serves the loopback admin API: ledger appends, attendance
// marks and roster upserts come in here from the club's back office.
func (a *App) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/ledger/events", a.handleAppendEvent)
	mux.HandleFunc("GET /api/balances/{athlete}", a.handleBalance)
	mux.HandleFunc("GET /api/overdue", a.handleOverdue)
	mux.HandleFunc("POST /api/attendance", a.handleAttendance)
	mux.HandleFunc("POST /api/athletes", a.handleUpsertAthlete)
	return mux
}

type appendEventRequest struct {
	AthleteID      string `json:"athlete_id"`
	Kind           string `json:"kind"`
	Amount         int64  `json:"amount"`
	OccurredAt     string `json:"occurred_at,omitempty"` // RFC3339, default now
	RecordedBy     string `json:"recorded_by,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

type balanceResponse struct {
	AthleteID string `json:"athlete_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	OverSince string `json:"over_since,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (a *App) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req appendEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev := ledger.Event{
		AthleteID:      strings.TrimSpace(req.AthleteID),
		Kind:           ledger.EventKind(req.Kind),
		Amount:         req.Amount,
		RecordedBy:     strings.TrimSpace(req.RecordedBy),
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	}
	if req.OccurredAt != "" {
		at, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "occurred_at: want RFC3339")
			return
		}
		ev.OccurredAt = at
	}

	bal, err := a.engine.Append(r.Context(), ev)
	duplicate := errors.Is(err, ledger.ErrDuplicateEvent)
	if err != nil && !duplicate {
		var verr *ledger.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		a.log.Error("append failed", logx.String("athlete_id", ev.AthleteID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "append failed")
		return
	}

	writeJSON(w, http.StatusOK, balanceJSON(bal, duplicate))
}

func (a *App) handleBalance(w http.ResponseWriter, r *http.Request) {
	athleteID := r.PathValue("athlete")
	bal, err := a.engine.GetBalance(r.Context(), athleteID)
	if err != nil {
		a.log.Error("balance lookup failed", logx.String("athlete_id", athleteID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "balance lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, balanceJSON(bal, false))
}

func (a *App) handleOverdue(w http.ResponseWriter, r *http.Request) {
	list, err := a.engine.ListOverdue(r.Context(), time.Now().UTC())
	if err != nil {
		a.log.Error("overdue listing failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "overdue listing failed")
		return
	}

	type row struct {
		AthleteID string `json:"athlete_id"`
		Amount    int64  `json:"amount"`
		Since     string `json:"since"`
		Days      int    `json:"days"`
	}
	out := make([]row, 0, len(list))
	for _, o := range list {
		out = append(out, row{
			AthleteID: o.AthleteID,
			Amount:    o.Amount,
			Since:     o.Since.Format(time.RFC3339),
			Days:      o.Days,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type attendanceRequest struct {
	AthleteID string `json:"athlete_id"`
	Date      string `json:"date"` // YYYY-MM-DD
	Present   bool   `json:"present"`
}

func (a *App) handleAttendance(w http.ResponseWriter, r *http.Request) {
	var req attendanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date: want YYYY-MM-DD")
		return
	}
	if err := a.RecordAttendance(r.Context(), req.AthleteID, date, req.Present); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

type athleteRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	GuardianPhone string `json:"guardian_phone,omitempty"`
	GuardianEmail string `json:"guardian_email,omitempty"`
	MonthlyFee    int64  `json:"monthly_fee,omitempty"`
	Active        bool   `json:"active"`
}

func (a *App) handleUpsertAthlete(w http.ResponseWriter, r *http.Request) {
	var req athleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "id and name are required")
		return
	}
	err := a.store.UpsertAthlete(r.Context(), roster.Athlete{
		ID:            strings.TrimSpace(req.ID),
		Name:          strings.TrimSpace(req.Name),
		GuardianPhone: req.GuardianPhone,
		GuardianEmail: req.GuardianEmail,
		MonthlyFee:    req.MonthlyFee,
		Active:        req.Active,
	})
	if err != nil {
		a.log.Error("athlete upsert failed", logx.String("athlete_id", req.ID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "athlete upsert failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func balanceJSON(bal ledger.Balance, duplicate bool) balanceResponse {
	out := balanceResponse{
		AthleteID: bal.AthleteID,
		Amount:    bal.Amount,
		Status:    string(bal.Status),
		Duplicate: duplicate,
	}
	if !bal.OverSince.IsZero() {
		out.OverSince = bal.OverSince.Format(time.RFC3339)
	}
	return out
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("malformed request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
