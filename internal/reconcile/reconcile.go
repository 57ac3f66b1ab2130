// Package reconcile merges terminal-reported state and manual registrations into the local ledger
// under idempotent write rules.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fragotesac/frazkteco-devices/internal/model"
	"github.com/fragotesac/frazkteco-devices/internal/store"
	"github.com/fragotesac/frazkteco-devices/internal/uid"
)

var (
	// ErrValidation marks input rejected before touching the terminal or the ledger.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a reference to an unknown person.
	ErrNotFound = errors.New("not found")
)

// Ledger is the storage the reconciler writes through.
type Ledger interface {
	InsertPersonIfAbsent(ctx context.Context, p model.Person) (bool, error)
	InsertPerson(ctx context.Context, p model.Person) (int64, error)
	UpdatePersonDetails(ctx context.Context, nationalID, name, surname, badge string) error
	SetPersonUID(ctx context.Context, personID int64, uid int) error
	PersonByNationalID(ctx context.Context, nationalID string) (model.Person, error)
	InsertAttendanceIfAbsent(ctx context.Context, ev model.AttendanceEvent) (bool, error)
	UpsertTemplate(ctx context.Context, personID int64, finger int, template []byte) error
}

// Result counts what one ingestion wrote. UIDSpaceExhausted is set when a terminal user held the
// top device identifier, after which new registrations cannot be allocated one.
type Result struct {
	Fetched           int  `json:"fetched"`
	Inserted          int  `json:"inserted"`
	Skipped           int  `json:"skipped"`
	UIDSpaceExhausted bool `json:"uid_space_exhausted,omitempty"`
}

// Registration is a manual create-or-edit of a person.
type Registration struct {
	NationalID  string
	Name        string
	Surname     string
	BadgeNumber string
}

// Registered is the outcome of Register.
type Registered struct {
	ID      int64 `json:"id"`
	UID     int   `json:"uid"`
	Created bool  `json:"created"`
}

// Reconciler applies the ledger's upsert policies.
type Reconciler struct {
	ledger Ledger
	uids   *uid.Allocator
	device string
	logger *slog.Logger
}

// New constructs a reconciler. device labels attendance events ingested from the terminal.
func New(ledger Ledger, uids *uid.Allocator, device string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		ledger: ledger,
		uids:   uids,
		device: device,
		logger: logger.With("component", "reconcile"),
	}
}

// IngestUsers inserts terminal users not yet known locally. Known people are left untouched so
// names corrected through the dashboard survive every sync.
func (r *Reconciler) IngestUsers(ctx context.Context, users []model.DeviceUser) (Result, error) {
	res := Result{Fetched: len(users)}

	for _, u := range users {
		nationalID := strings.TrimSpace(u.UserID)
		if nationalID == "" {
			res.Skipped++
			continue
		}

		exhausted, err := r.uids.Observe(ctx, u.UID)
		if err != nil {
			return res, err
		}
		if exhausted && !res.UIDSpaceExhausted {
			res.UIDSpaceExhausted = true
			r.logger.Warn("terminal user holds the top device uid, new registrations will fail", "dni", nationalID, "uid", u.UID)
		}

		name := strings.TrimSpace(u.Name)
		if name == "" {
			name = nationalID
		}

		p := model.Person{
			NationalID:  nationalID,
			Name:        name,
			BadgeNumber: nationalID,
		}
		if u.UID > 0 {
			v := u.UID
			p.UID = &v
		}

		inserted, err := r.ledger.InsertPersonIfAbsent(ctx, p)
		if err != nil {
			return res, fmt.Errorf("ingest user %q: %w", nationalID, err)
		}
		if inserted {
			res.Inserted++
		}
	}

	r.logger.Debug("users ingested", "fetched", res.Fetched, "inserted", res.Inserted, "skipped", res.Skipped)
	return res, nil
}

// Register creates a person or updates the editable fields of an existing one. An existing person
// keeps its device identifier; a new one is allocated the next identifier.
func (r *Reconciler) Register(ctx context.Context, reg Registration) (Registered, error) {
	reg.NationalID = strings.TrimSpace(reg.NationalID)
	reg.Name = strings.TrimSpace(reg.Name)
	reg.Surname = strings.TrimSpace(reg.Surname)
	reg.BadgeNumber = strings.TrimSpace(reg.BadgeNumber)

	if reg.NationalID == "" || reg.Name == "" {
		return Registered{}, fmt.Errorf("%w: dni and nombre are required", ErrValidation)
	}
	if reg.BadgeNumber == "" {
		reg.BadgeNumber = reg.NationalID
	}

	existing, err := r.ledger.PersonByNationalID(ctx, reg.NationalID)
	switch {
	case err == nil:
		if err := r.ledger.UpdatePersonDetails(ctx, reg.NationalID, reg.Name, reg.Surname, reg.BadgeNumber); err != nil {
			return Registered{}, err
		}
		v, err := r.uids.Ensure(ctx, r.ledger, existing)
		if err != nil {
			return Registered{}, err
		}
		r.logger.Info("person updated", "dni", reg.NationalID, "uid", v)
		return Registered{ID: existing.ID, UID: v}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Registered{}, err
	}

	v, err := r.uids.Next(ctx)
	if err != nil {
		return Registered{}, err
	}

	id, err := r.ledger.InsertPerson(ctx, model.Person{
		UID:         &v,
		NationalID:  reg.NationalID,
		Name:        reg.Name,
		Surname:     reg.Surname,
		BadgeNumber: reg.BadgeNumber,
	})
	if err != nil {
		return Registered{}, err
	}

	r.logger.Info("person registered", "dni", reg.NationalID, "uid", v)
	return Registered{ID: id, UID: v, Created: true}, nil
}

// IngestAttendance inserts terminal attendance logs not yet recorded, keyed on badge and timestamp.
func (r *Reconciler) IngestAttendance(ctx context.Context, logs []model.DeviceAttendance) (Result, error) {
	res := Result{Fetched: len(logs)}

	for _, l := range logs {
		badge := strings.TrimSpace(l.DeviceUserID)
		if badge == "" || l.RecordTime.IsZero() {
			res.Skipped++
			continue
		}

		inserted, err := r.ledger.InsertAttendanceIfAbsent(ctx, model.AttendanceEvent{
			BadgeNumber: badge,
			RecordedAt:  l.RecordTime.Format(model.TimestampLayout),
			Device:      r.device,
			Direction:   model.DirectionFromCode(l.Type),
			TypeCode:    l.Type,
		})
		if err != nil {
			return res, fmt.Errorf("ingest attendance %q: %w", badge, err)
		}
		if inserted {
			res.Inserted++
		}
	}

	r.logger.Debug("attendance ingested", "fetched", res.Fetched, "inserted", res.Inserted, "skipped", res.Skipped)
	return res, nil
}

// Person looks a person up by national identifier.
func (r *Reconciler) Person(ctx context.Context, nationalID string) (model.Person, error) {
	nationalID = strings.TrimSpace(nationalID)
	if nationalID == "" {
		return model.Person{}, fmt.Errorf("%w: dni is required", ErrValidation)
	}

	p, err := r.ledger.PersonByNationalID(ctx, nationalID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Person{}, fmt.Errorf("%w: person %s is not registered", ErrNotFound, nationalID)
	}
	if err != nil {
		return model.Person{}, err
	}
	return p, nil
}

// SaveTemplate stores a captured template for a person's finger slot, replacing any earlier capture.
func (r *Reconciler) SaveTemplate(ctx context.Context, p model.Person, finger int, template []byte) error {
	if finger < 1 {
		finger = 1
	}
	if len(template) == 0 {
		return fmt.Errorf("%w: empty template", ErrValidation)
	}
	if err := r.ledger.UpsertTemplate(ctx, p.ID, finger, template); err != nil {
		return err
	}
	r.logger.Info("template saved", "dni", p.NationalID, "finger", finger, "bytes", len(template))
	return nil
}

var filterLayouts = []string{model.TimestampLayout, "2006-01-02 15:04:05", "2006-01-02"}

// NormalizeFilter validates attendance listing bounds and rewrites them to the ledger's timestamp
// form. A date-only upper bound covers the whole day.
func NormalizeFilter(f model.AttendanceFilter) (model.AttendanceFilter, error) {
	from, err := normalizeBound(f.From, false)
	if err != nil {
		return model.AttendanceFilter{}, fmt.Errorf("%w: desde: %v", ErrValidation, err)
	}
	to, err := normalizeBound(f.To, true)
	if err != nil {
		return model.AttendanceFilter{}, fmt.Errorf("%w: hasta: %v", ErrValidation, err)
	}
	return model.AttendanceFilter{From: from, To: to, NationalID: strings.TrimSpace(f.NationalID)}, nil
}

func normalizeBound(v string, upper bool) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}
	for _, layout := range filterLayouts {
		ts, err := time.Parse(layout, v)
		if err != nil {
			continue
		}
		if layout == "2006-01-02" && upper {
			ts = ts.Add(24*time.Hour - time.Second)
		}
		return ts.Format(model.TimestampLayout), nil
	}
	return "", fmt.Errorf("unrecognized date %q", v)
}
