package model

import "time"

// TimestampLayout is the canonical text form of attendance timestamps in the ledger.
// Terminal clocks carry no zone, so none is recorded.
const TimestampLayout = "2006-01-02T15:04:05"

// MaxUID is the largest device identifier the terminal protocol accepts.
const MaxUID = 65535

// Person is a locally known identity.
type Person struct {
	ID          int64     `json:"id"`
	UID         *int      `json:"uid"`
	NationalID  string    `json:"dni"`
	Name        string    `json:"nombre"`
	Surname     string    `json:"apellido"`
	BadgeNumber string    `json:"badge_number"`
	CreatedAt   time.Time `json:"creado_en"`
}

// HasUID reports whether the person was assigned a device identifier.
func (p Person) HasUID() bool {
	return p.UID != nil && *p.UID > 0
}

// FingerprintTemplate is the stored biometric blob for one finger slot of a person.
type FingerprintTemplate struct {
	ID           int64     `json:"id"`
	PersonID     int64     `json:"usuario_id"`
	Finger       int       `json:"dedo"`
	Template     []byte    `json:"-"`
	RegisteredAt time.Time `json:"registrado_en"`
}

// Direction is the binary arrival/departure classification of an attendance event.
type Direction string

const (
	DirectionIn  Direction = "ENTRADA"
	DirectionOut Direction = "SALIDA"
)

// DirectionFromCode collapses a terminal punch type code: 0 is an arrival, anything else a departure.
func DirectionFromCode(code int) Direction {
	if code == 0 {
		return DirectionIn
	}
	return DirectionOut
}

// AttendanceEvent is one stored punch. BadgeNumber is resolved to a Person at query time.
type AttendanceEvent struct {
	ID          int64     `json:"id"`
	BadgeNumber string    `json:"dni"`
	RecordedAt  string    `json:"fecha_hora"`
	Device      string    `json:"dispositivo"`
	Direction   Direction `json:"tipo"`
	TypeCode    int       `json:"codigo_tipo"`
	CreatedAt   time.Time `json:"creado_en"`
}

// Attendance resolution states reported by joined listings.
const (
	StatusValidated    = "VALIDADO"
	StatusUnregistered = "NO REGISTRADO"
)

// AttendanceRecord is an attendance event joined with the person its badge resolves to, if any.
type AttendanceRecord struct {
	ID         int64     `json:"id"`
	RecordedAt string    `json:"fecha_hora"`
	Direction  Direction `json:"tipo"`
	Device     string    `json:"dispositivo"`
	Name       *string   `json:"nombre"`
	Surname    *string   `json:"apellido"`
	NationalID *string   `json:"dni"`
	Status     string    `json:"estado"`
}

// AttendanceFilter narrows attendance listings. Zero values disable a bound.
type AttendanceFilter struct {
	From       string
	To         string
	NationalID string
}

// DeviceUser is a user record as reported by the terminal.
type DeviceUser struct {
	UID              int    `json:"uid" cbor:"uid"`
	UserID           string `json:"userId" cbor:"user_id"`
	Name             string `json:"name" cbor:"name"`
	Password         string `json:"-" cbor:"password,omitempty"`
	Role             int    `json:"role" cbor:"role"`
	CardNumber       int    `json:"cardNumber" cbor:"card_number"`
	FingerprintCount int    `json:"fingerprintCount" cbor:"fingerprint_count"`
}

// DeviceAttendance is an attendance log entry as reported by the terminal.
type DeviceAttendance struct {
	DeviceUserID string    `json:"deviceUserId" cbor:"device_user_id"`
	RecordTime   time.Time `json:"recordTime" cbor:"record_time"`
	Type         int       `json:"type" cbor:"type"`
}
