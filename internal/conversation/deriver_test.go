package conversation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consultlink-backend/internal/domain"
)

var fixedNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func newAppointment(offset time.Duration, status domain.AppointmentStatus, kind domain.AppointmentKind, patient, doctor uuid.UUID) *domain.Appointment {
	return &domain.Appointment{
		AppointmentID: uuid.New(),
		Patient:       domain.ParticipantRef{ProfileID: uuid.New(), UserID: ptr(patient), Name: "Ana Patient"},
		Doctor:        domain.ParticipantRef{ProfileID: uuid.New(), UserID: ptr(doctor), Name: "Dr. House"},
		ScheduledAt:   ptr(fixedNow.Add(offset)),
		Status:        status,
		Kind:          kind,
	}
}

func TestClassify(t *testing.T) {
	p, d := uuid.New(), uuid.New()

	tests := []struct {
		name   string
		offset time.Duration
		status domain.AppointmentStatus
		want   domain.TemporalStatus
	}{
		{"confirmed in ten minutes", 10 * time.Minute, domain.AppointmentConfirmed, domain.StatusActive},
		{"confirmed in thirty one minutes", 31 * time.Minute, domain.AppointmentConfirmed, domain.StatusUpcoming},
		{"confirmed exactly at window start", 30 * time.Minute, domain.AppointmentConfirmed, domain.StatusActive},
		{"confirmed exactly at window end", -30 * time.Minute, domain.AppointmentConfirmed, domain.StatusActive},
		{"confirmed window elapsed", -31 * time.Minute, domain.AppointmentConfirmed, domain.StatusPast},
		{"pending inside window", 5 * time.Minute, domain.AppointmentPending, domain.StatusUpcoming},
		{"completed in the future", 2 * time.Hour, domain.AppointmentCompleted, domain.StatusPast},
		{"cancelled inside window", 0, domain.AppointmentCancelled, domain.StatusUpcoming},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAppointment(tt.offset, tt.status, domain.AppointmentVideo, p, d)
			got, ok := Classify(a, fixedNow)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify_MissingDate(t *testing.T) {
	a := newAppointment(0, domain.AppointmentConfirmed, domain.AppointmentVideo, uuid.New(), uuid.New())
	a.ScheduledAt = nil

	_, ok := Classify(a, fixedNow)
	assert.False(t, ok)
}

func TestDerive_ActiveWindowScenario(t *testing.T) {
	patient, doctor := uuid.New(), uuid.New()
	soon := newAppointment(10*time.Minute, domain.AppointmentConfirmed, domain.AppointmentVideo, patient, doctor)
	later := newAppointment(31*time.Minute, domain.AppointmentConfirmed, domain.AppointmentVideo, patient, doctor)

	d := NewDeriver(patient, domain.RolePatient, WithClock(func() time.Time { return fixedNow }))
	d.SetAppointments([]*domain.Appointment{later, soon})

	list := d.Conversations()
	require.Len(t, list, 2)
	assert.Equal(t, soon.AppointmentID, list[0].ID)
	assert.Equal(t, domain.StatusActive, list[0].TemporalStatus)
	assert.True(t, d.CanStartCall(soon.AppointmentID))

	assert.Equal(t, domain.StatusUpcoming, list[1].TemporalStatus)
	assert.False(t, d.CanStartCall(later.AppointmentID))
}

func TestDerive_TextAppointmentCannotCall(t *testing.T) {
	patient, doctor := uuid.New(), uuid.New()
	a := newAppointment(0, domain.AppointmentConfirmed, domain.AppointmentText, patient, doctor)

	d := NewDeriver(patient, domain.RolePatient, WithClock(func() time.Time { return fixedNow }))
	d.SetAppointments([]*domain.Appointment{a})

	assert.False(t, d.CanStartCall(a.AppointmentID))
}

func TestDerive_CounterpartByRole(t *testing.T) {
	patient, doctor := uuid.New(), uuid.New()
	a := newAppointment(0, domain.AppointmentConfirmed, domain.AppointmentVideo, patient, doctor)

	asPatient := Derive(patient, domain.RolePatient, []*domain.Appointment{a}, fixedNow)
	require.Len(t, asPatient, 1)
	assert.Equal(t, doctor, asPatient[0].CounterpartID)
	assert.Equal(t, "Dr. House", asPatient[0].DisplayName)

	asDoctor := Derive(doctor, domain.RoleDoctor, []*domain.Appointment{a}, fixedNow)
	require.Len(t, asDoctor, 1)
	assert.Equal(t, patient, asDoctor[0].CounterpartID)
	assert.Equal(t, "Ana Patient", asDoctor[0].DisplayName)
}

func TestDerive_PlaceholderWhenUserMissing(t *testing.T) {
	patient := uuid.New()
	a := newAppointment(0, domain.AppointmentConfirmed, domain.AppointmentVideo, patient, uuid.New())
	a.Doctor.UserID = nil

	list := Derive(patient, domain.RolePatient, []*domain.Appointment{a}, fixedNow)
	require.Len(t, list, 1)
	assert.Equal(t, a.Doctor.ProfileID, list[0].CounterpartID)
	assert.Equal(t, "Dr. #"+a.Doctor.ProfileID.String(), list[0].DisplayName)

	a.Patient.UserID = nil
	list = Derive(a.Doctor.ProfileID, domain.RoleDoctor, []*domain.Appointment{a}, fixedNow)
	require.Len(t, list, 1)
	assert.Equal(t, "Patient #"+a.Patient.ProfileID.String(), list[0].DisplayName)
}

func TestDerive_EmptyAndMalformed(t *testing.T) {
	assert.Empty(t, Derive(uuid.New(), domain.RolePatient, nil, fixedNow))

	a := newAppointment(0, domain.AppointmentConfirmed, domain.AppointmentVideo, uuid.New(), uuid.New())
	a.ScheduledAt = nil
	assert.Empty(t, Derive(uuid.New(), domain.RolePatient, []*domain.Appointment{a, nil}, fixedNow))
}

func TestDeriver_ApplyMessage(t *testing.T) {
	patient, doctor := uuid.New(), uuid.New()
	upcomingA := newAppointment(2*time.Hour, domain.AppointmentConfirmed, domain.AppointmentVideo, patient, doctor)
	upcomingB := newAppointment(3*time.Hour, domain.AppointmentConfirmed, domain.AppointmentText, patient, doctor)

	var changes int
	d := NewDeriver(patient, domain.RolePatient,
		WithClock(func() time.Time { return fixedNow }),
		WithOnChange(func([]domain.Conversation) { changes++ }),
	)
	d.SetAppointments([]*domain.Appointment{upcomingA, upcomingB})
	require.Equal(t, upcomingA.AppointmentID, d.Conversations()[0].ID)

	msg := &domain.Message{
		ID:            uuid.New(),
		SenderID:      doctor,
		ReceiverID:    patient,
		AppointmentID: ptr(upcomingB.AppointmentID),
		Content:       "Please bring your lab results",
		Kind:          domain.MessageText,
		CreatedAt:     fixedNow,
	}
	require.True(t, d.ApplyMessage(msg))

	list := d.Conversations()
	assert.Equal(t, upcomingB.AppointmentID, list[0].ID, "most recent message sorts first within a status")
	assert.Equal(t, "Please bring your lab results", list[0].LastMessagePreview)
	assert.Equal(t, 1, list[0].UnreadCount)
	assert.Equal(t, 2, changes)

	own := *msg
	own.ID = uuid.New()
	own.SenderID = patient
	own.CreatedAt = fixedNow.Add(time.Second)
	require.True(t, d.ApplyMessage(&own))
	c, _ := d.Get(upcomingB.AppointmentID)
	assert.Equal(t, 1, c.UnreadCount, "outbound messages are not unread")

	_, ok := d.Select(upcomingB.AppointmentID)
	require.True(t, ok)
	c, _ = d.Get(upcomingB.AppointmentID)
	assert.Zero(t, c.UnreadCount)

	stray := *msg
	stray.AppointmentID = ptr(uuid.New())
	assert.False(t, d.ApplyMessage(&stray))
}

func TestDeriver_StatePreservedAcrossReload(t *testing.T) {
	patient, doctor := uuid.New(), uuid.New()
	a := newAppointment(time.Hour, domain.AppointmentConfirmed, domain.AppointmentVideo, patient, doctor)

	now := fixedNow
	d := NewDeriver(patient, domain.RolePatient, WithClock(func() time.Time { return now }))
	d.SetAppointments([]*domain.Appointment{a})
	d.ApplyMessage(&domain.Message{
		ID: uuid.New(), SenderID: doctor, ReceiverID: patient,
		AppointmentID: ptr(a.AppointmentID), Content: "hi", Kind: domain.MessageText, CreatedAt: now,
	})

	now = fixedNow.Add(45 * time.Minute)
	d.Recompute()

	c, ok := d.Get(a.AppointmentID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, c.TemporalStatus)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, "hi", c.LastMessagePreview)
}

func TestDeriver_Resolve(t *testing.T) {
	patient, doctor := uuid.New(), uuid.New()
	past := newAppointment(-2*time.Hour, domain.AppointmentCompleted, domain.AppointmentVideo, patient, doctor)
	active := newAppointment(0, domain.AppointmentConfirmed, domain.AppointmentVideo, patient, doctor)

	d := NewDeriver(patient, domain.RolePatient, WithClock(func() time.Time { return fixedNow }))
	assert.False(t, d.Loaded())
	d.SetAppointments([]*domain.Appointment{past, active})
	assert.True(t, d.Loaded())

	ref, ok := d.ResolveCounterpart(doctor)
	require.True(t, ok)
	assert.Equal(t, active.AppointmentID, ref.AppointmentID, "active conversation wins")
	assert.True(t, ref.CanCall)

	ref, ok = d.ResolveAppointment(past.AppointmentID)
	require.True(t, ok)
	assert.False(t, ref.CanCall)

	_, ok = d.ResolveCounterpart(uuid.New())
	assert.False(t, ok)
}

func TestProperty_DeriveIsTotalClassification(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	statuses := []domain.AppointmentStatus{
		domain.AppointmentPending, domain.AppointmentConfirmed,
		domain.AppointmentCompleted, domain.AppointmentCancelled,
	}

	properties.Property("one conversation per appointment, ordered by status rank", prop.ForAll(
		func(offsets []int, statusIdx []int) bool {
			self, other := uuid.New(), uuid.New()
			appts := make([]*domain.Appointment, len(offsets))
			for i, off := range offsets {
				st := statuses[statusIdx[i%len(statusIdx)]%len(statuses)]
				appts[i] = newAppointment(time.Duration(off)*time.Minute, st, domain.AppointmentVideo, self, other)
			}

			list := Derive(self, domain.RolePatient, appts, fixedNow)
			if len(list) != len(appts) {
				t.Logf("expected %d conversations, got %d", len(appts), len(list))
				return false
			}

			ids := make(map[uuid.UUID]bool, len(list))
			for i, c := range list {
				if ids[c.ID] {
					return false
				}
				ids[c.ID] = true

				switch c.TemporalStatus {
				case domain.StatusActive, domain.StatusUpcoming, domain.StatusPast:
				default:
					return false
				}
				if i > 0 && list[i-1].TemporalStatus.Rank() > c.TemporalStatus.Rank() {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-24*60, 24*60)),
		gen.SliceOfN(4, gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
