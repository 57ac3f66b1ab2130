package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragotesac/frazkteco-devices/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "data", "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.InitSchema(context.Background()))

	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func intPtr(v int) *int { return &v }

func TestInitSchemaIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InitSchema(ctx))

	next, err := s.PeekSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, next)
}

func TestInsertAttendanceIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := model.AttendanceEvent{
		BadgeNumber: "12345678",
		RecordedAt:  "2024-01-01T08:00:00",
		Device:      "MA300",
		Direction:   model.DirectionIn,
	}

	inserted, err := s.InsertAttendanceIfAbsent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertAttendanceIfAbsent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := s.CountAttendance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertPersonIfAbsentKeepsExistingRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertPerson(ctx, model.Person{NationalID: "11111111", Name: "Edited", BadgeNumber: "11111111", UID: intPtr(4)})
	require.NoError(t, err)

	inserted, err := s.InsertPersonIfAbsent(ctx, model.Person{NationalID: "11111111", Name: "From Device", UID: intPtr(9)})
	require.NoError(t, err)
	assert.False(t, inserted)

	p, err := s.PersonByNationalID(ctx, "11111111")
	require.NoError(t, err)
	assert.Equal(t, "Edited", p.Name)
	require.NotNil(t, p.UID)
	assert.Equal(t, 4, *p.UID)
}

func TestInsertPersonIfAbsentDropsUnusableUID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertPerson(ctx, model.Person{NationalID: "11111111", Name: "Ana", UID: intPtr(7)})
	require.NoError(t, err)

	tests := []struct {
		name string
		dni  string
		uid  *int
	}{
		{name: "taken", dni: "22222222", uid: intPtr(7)},
		{name: "zero", dni: "33333333", uid: intPtr(0)},
		{name: "out of range", dni: "44444444", uid: intPtr(70000)},
		{name: "missing", dni: "55555555", uid: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inserted, err := s.InsertPersonIfAbsent(ctx, model.Person{NationalID: tc.dni, Name: tc.name, UID: tc.uid})
			require.NoError(t, err)
			assert.True(t, inserted)

			p, err := s.PersonByNationalID(ctx, tc.dni)
			require.NoError(t, err)
			assert.Nil(t, p.UID)
		})
	}
}

func TestPersonByNationalIDNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.PersonByNationalID(context.Background(), "00000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAttendanceJoinsPeople(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertPerson(ctx, model.Person{NationalID: "12345678", Name: "Ana", Surname: "Quispe", BadgeNumber: "12345678"})
	require.NoError(t, err)

	events := []model.AttendanceEvent{
		{BadgeNumber: "12345678", RecordedAt: "2024-01-01T08:00:00", Device: "MA300", Direction: model.DirectionIn},
		{BadgeNumber: "12345678", RecordedAt: "2024-01-01T17:30:00", Device: "MA300", Direction: model.DirectionOut, TypeCode: 1},
		{BadgeNumber: "99999999", RecordedAt: "2024-01-02T09:00:00", Device: "MA300", Direction: model.DirectionIn},
	}
	for _, ev := range events {
		_, err := s.InsertAttendanceIfAbsent(ctx, ev)
		require.NoError(t, err)
	}

	all, err := s.ListAttendance(ctx, model.AttendanceFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "2024-01-02T09:00:00", all[0].RecordedAt)
	assert.Equal(t, model.StatusUnregistered, all[0].Status)
	assert.Nil(t, all[0].NationalID)
	assert.Equal(t, model.StatusValidated, all[1].Status)
	require.NotNil(t, all[1].Name)
	assert.Equal(t, "Ana", *all[1].Name)

	byDay, err := s.ListAttendance(ctx, model.AttendanceFilter{From: "2024-01-01", To: "2024-01-01T23:59:59"})
	require.NoError(t, err)
	assert.Len(t, byDay, 2)

	byPerson, err := s.ListAttendance(ctx, model.AttendanceFilter{NationalID: "12345678"})
	require.NoError(t, err)
	assert.Len(t, byPerson, 2)

	unmatched, err := s.UnmatchedAttendance(ctx)
	require.NoError(t, err)
	require.Len(t, unmatched, 1)
	assert.Equal(t, "99999999", unmatched[0].BadgeNumber)
}

func TestUpsertTemplateReplacesInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertPerson(ctx, model.Person{NationalID: "12345678", Name: "Ana"})
	require.NoError(t, err)

	require.NoError(t, s.UpsertTemplate(ctx, id, 1, []byte{0x01, 0x02}))
	require.NoError(t, s.UpsertTemplate(ctx, id, 1, []byte{0x03}))

	n, err := s.CountTemplates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tpl, err := s.Template(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03}, tpl.Template)
}

func TestTakeSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		v, ok, err := s.TakeSequence(ctx, model.MaxUID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, v)
	}

	require.NoError(t, s.RaiseSequence(ctx, 10))
	require.NoError(t, s.RaiseSequence(ctx, 2))

	v, ok, err := s.TakeSequence(ctx, model.MaxUID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10, v)

	require.NoError(t, s.RaiseSequence(ctx, model.MaxUID+1))
	_, ok, err = s.TakeSequence(ctx, model.MaxUID)
	require.NoError(t, err)
	assert.False(t, ok)

	next, err := s.PeekSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.MaxUID+1, next)
}
