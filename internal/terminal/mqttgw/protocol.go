// Package mqttgw reaches the attendance terminal through the vendor gateway over MQTT.
// The gateway owns the terminal's binary protocol; this package speaks CBOR envelopes to it.
package mqttgw

import (
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/fragotesac/frazkteco-devices/internal/model"
)

// Gateway operations.
const (
	OpConnect        = "connect"
	OpGetUsers       = "get_users"
	OpGetAttendances = "get_attendances"
	OpSetUser        = "set_user"
	OpDisconnect     = "disconnect"
)

// GatewayClientPrefix prefixes the MQTT client id of every gateway process.
const GatewayClientPrefix = "zkgateway-"

// Request is sent by a session to the gateway.
type Request struct {
	Session          string            `cbor:"session"`
	ID               uint64            `cbor:"id"`
	Op               string            `cbor:"op"`
	Address          string            `cbor:"address,omitempty"`
	ConnectTimeoutMs int64             `cbor:"connect_timeout_ms,omitempty"`
	RecvTimeoutMs    int64             `cbor:"recv_timeout_ms,omitempty"`
	User             *model.DeviceUser `cbor:"user,omitempty"`
}

// Reply answers one Request. Error is set when OK is false.
type Reply struct {
	ID          uint64                   `cbor:"id"`
	OK          bool                     `cbor:"ok"`
	Error       string                   `cbor:"error,omitempty"`
	Users       []model.DeviceUser       `cbor:"users,omitempty"`
	Attendances []model.DeviceAttendance `cbor:"attendances,omitempty"`
}

// Status is a gateway heartbeat.
type Status struct {
	Gateway  string    `cbor:"gateway"`
	Terminal string    `cbor:"terminal"`
	At       time.Time `cbor:"at"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	// Terminal clocks are zone-less wall time; RFC 3339 text keeps the offset the gateway reported.
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("mqttgw: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("mqttgw: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes an envelope.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes an envelope.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RequestTopic is where sessions publish requests for the gateway.
func RequestTopic(base string) string {
	return strings.TrimRight(base, "/") + "/request"
}

// ReplyTopic is where the gateway answers one session.
func ReplyTopic(base, session string) string {
	return fmt.Sprintf("%s/reply/%s", strings.TrimRight(base, "/"), session)
}

// StatusTopic is where a gateway publishes heartbeats.
func StatusTopic(base, gateway string) string {
	return fmt.Sprintf("%s/status/%s", strings.TrimRight(base, "/"), gateway)
}

// StatusFilter matches the heartbeats of every gateway under base.
func StatusFilter(base string) string {
	return strings.TrimRight(base, "/") + "/status/+"
}
