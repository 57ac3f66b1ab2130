// Package zktcp talks to ZKTeco attendance terminals directly over their TCP protocol (port 4370).
// It covers the subset the sync service needs: session setup, the user table, the attendance log
// and writing one user record.
package zktcp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fragotesac/frazkteco-devices/internal/model"
)

// Command and reply codes.
const (
	cmdConnect      uint16 = 1000
	cmdExit         uint16 = 1001
	cmdRefreshData  uint16 = 1013
	cmdPrepareData  uint16 = 1500
	cmdData         uint16 = 1501
	cmdFreeData     uint16 = 1502
	cmdDataWRRQ     uint16 = 1503
	cmdDataRDY      uint16 = 1504
	cmdUserWRQ      uint16 = 8
	cmdUserTempRRQ  uint16 = 9
	cmdAttLogRRQ    uint16 = 13
	cmdGetFreeSizes uint16 = 50

	ackOK     uint16 = 2000
	ackError  uint16 = 2001
	ackData   uint16 = 2002
	ackUnauth uint16 = 2005
)

const (
	fctUser = 5

	ushrtMax = 65535
	// maxChunk is the largest buffered read the terminal serves per request over TCP.
	maxChunk = 0xFFC0
	// maxFrame bounds a single frame so a corrupt length cannot exhaust memory.
	maxFrame = 16 << 20

	headerSize = 8

	userRecordSize      = 72
	userRecordSizeShort = 28
)

var magic = []byte{0x50, 0x50, 0x82, 0x7d}

var errShortReply = errors.New("truncated terminal reply")

// packet is one protocol packet: an 8-byte header followed by its payload.
type packet struct {
	cmd      uint16
	checksum uint16
	session  uint16
	reply    uint16
	data     []byte
}

// checksum is the terminal's ones'-complement sum over 16-bit little-endian words.
func checksum(b []byte) uint16 {
	sum := 0
	for len(b) > 1 {
		sum += int(binary.LittleEndian.Uint16(b))
		b = b[2:]
		if sum > ushrtMax {
			sum -= ushrtMax
		}
	}
	if len(b) == 1 {
		sum += int(b[0])
	}
	for sum > ushrtMax {
		sum -= ushrtMax
	}
	sum = ^sum
	for sum < 0 {
		sum += ushrtMax
	}
	return uint16(sum)
}

// request builds the TCP frame for cmd. The checksum is taken over the header with the previous
// reply id; the header sent carries the next one.
func request(cmd, session, lastReply uint16, data []byte) ([]byte, uint16) {
	hdr := make([]byte, headerSize+len(data))
	binary.LittleEndian.PutUint16(hdr[0:], cmd)
	binary.LittleEndian.PutUint16(hdr[4:], session)
	binary.LittleEndian.PutUint16(hdr[6:], lastReply)
	copy(hdr[headerSize:], data)
	sum := checksum(hdr)

	next := uint16((int(lastReply) + 1) % ushrtMax)
	return frame(packet{cmd: cmd, checksum: sum, session: session, reply: next, data: data}), next
}

// frame wraps p in the TCP envelope: magic, payload length, header, data.
func frame(p packet) []byte {
	out := make([]byte, 8+headerSize+len(p.data))
	copy(out, magic)
	binary.LittleEndian.PutUint32(out[4:], uint32(headerSize+len(p.data)))
	binary.LittleEndian.PutUint16(out[8:], p.cmd)
	binary.LittleEndian.PutUint16(out[10:], p.checksum)
	binary.LittleEndian.PutUint16(out[12:], p.session)
	binary.LittleEndian.PutUint16(out[14:], p.reply)
	copy(out[16:], p.data)
	return out
}

func readFrame(r io.Reader) (packet, error) {
	var top [8]byte
	if _, err := io.ReadFull(r, top[:]); err != nil {
		return packet{}, err
	}
	if !bytes.Equal(top[:4], magic) {
		return packet{}, fmt.Errorf("bad frame magic % x", top[:4])
	}
	n := binary.LittleEndian.Uint32(top[4:])
	if n < headerSize || n > maxFrame {
		return packet{}, fmt.Errorf("bad frame length %d", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return packet{}, err
	}
	return packet{
		cmd:      binary.LittleEndian.Uint16(body[0:]),
		checksum: binary.LittleEndian.Uint16(body[2:]),
		session:  binary.LittleEndian.Uint16(body[4:]),
		reply:    binary.LittleEndian.Uint16(body[6:]),
		data:     body[headerSize:],
	}, nil
}

// bufferRequest asks for a buffered read of the table behind command.
func bufferRequest(command uint16, fct uint32) []byte {
	b := make([]byte, 11)
	b[0] = 1
	binary.LittleEndian.PutUint16(b[1:], command)
	binary.LittleEndian.PutUint32(b[3:], fct)
	return b
}

func chunkRequest(start, size int) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:], uint32(start))
	binary.LittleEndian.PutUint32(b[4:], uint32(size))
	return b
}

// sizes is the subset of the free-sizes report used to size table records.
type sizes struct {
	users   int
	fingers int
	records int
}

func decodeSizes(b []byte) (sizes, error) {
	if len(b) < 80 {
		return sizes{}, fmt.Errorf("sizes: %w (%d bytes)", errShortReply, len(b))
	}
	field := func(i int) int { return int(int32(binary.LittleEndian.Uint32(b[i*4:]))) }
	return sizes{users: field(4), fingers: field(6), records: field(8)}, nil
}

// decodeTime unpacks the terminal's packed local timestamp.
func decodeTime(v uint32, loc *time.Location) time.Time {
	t := int(v)
	second := t % 60
	t /= 60
	minute := t % 60
	t /= 60
	hour := t % 24
	t /= 24
	day := t%31 + 1
	t /= 31
	month := t%12 + 1
	t /= 12
	return time.Date(t+2000, time.Month(month), day, hour, minute, second, 0, loc)
}

func encodeTime(ts time.Time) uint32 {
	days := (ts.Year()%100)*12*31 + (int(ts.Month())-1)*31 + ts.Day() - 1
	return uint32(days*24*60*60 + (ts.Hour()*60+ts.Minute())*60 + ts.Second())
}

// table strips the 4-byte size prefix of a buffered read.
func table(b []byte) []byte {
	if len(b) < 4 {
		return nil
	}
	total := int(binary.LittleEndian.Uint32(b))
	body := b[4:]
	if total < len(body) {
		body = body[:total]
	}
	return body
}

// recordSize picks the record width from the reported row count, falling back to the widths
// terminals are known to use.
func recordSize(body []byte, rows int, widths ...int) int {
	if rows > 0 && len(body) > 0 && len(body)%rows == 0 {
		return len(body) / rows
	}
	for _, w := range widths {
		if len(body)%w == 0 {
			return w
		}
	}
	return widths[0]
}

func decodeUsers(b []byte, rows int) []model.DeviceUser {
	body := table(b)
	size := recordSize(body, rows, userRecordSize, userRecordSizeShort)

	var users []model.DeviceUser
	for ; len(body) >= size; body = body[size:] {
		rec := body[:size]
		switch size {
		case userRecordSizeShort:
			users = append(users, model.DeviceUser{
				UID:        int(binary.LittleEndian.Uint16(rec[0:])),
				Role:       int(rec[2]),
				Name:       cstring(rec[8:16]),
				CardNumber: int(binary.LittleEndian.Uint32(rec[16:])),
				UserID:     strconv.FormatUint(uint64(binary.LittleEndian.Uint32(rec[24:])), 10),
			})
		case userRecordSize:
			users = append(users, model.DeviceUser{
				UID:        int(binary.LittleEndian.Uint16(rec[0:])),
				Role:       int(rec[2]),
				Name:       cstring(rec[11:35]),
				CardNumber: int(binary.LittleEndian.Uint32(rec[35:])),
				UserID:     cstring(rec[48:72]),
			})
		default:
			return users
		}
	}
	return users
}

func encodeUser(u model.DeviceUser) []byte {
	b := make([]byte, userRecordSize)
	binary.LittleEndian.PutUint16(b[0:], uint16(u.UID))
	b[2] = byte(u.Role)
	copy(b[3:11], u.Password)
	copy(b[11:35], u.Name)
	binary.LittleEndian.PutUint32(b[35:], uint32(u.CardNumber))
	copy(b[48:72], u.UserID)
	return b
}

func decodeAttendances(b []byte, rows int, loc *time.Location) []model.DeviceAttendance {
	body := table(b)
	size := recordSize(body, rows, 40, 16, 8)

	var logs []model.DeviceAttendance
	for ; len(body) >= size; body = body[size:] {
		rec := body[:size]
		var l model.DeviceAttendance
		switch size {
		case 40:
			l = model.DeviceAttendance{
				DeviceUserID: cstring(rec[2:26]),
				RecordTime:   decodeTime(binary.LittleEndian.Uint32(rec[27:]), loc),
				Type:         int(rec[31]),
			}
		case 16:
			l = model.DeviceAttendance{
				DeviceUserID: strconv.FormatUint(uint64(binary.LittleEndian.Uint32(rec[0:])), 10),
				RecordTime:   decodeTime(binary.LittleEndian.Uint32(rec[4:]), loc),
				Type:         int(rec[9]),
			}
		case 8:
			l = model.DeviceAttendance{
				DeviceUserID: strconv.Itoa(int(binary.LittleEndian.Uint16(rec[0:]))),
				RecordTime:   decodeTime(binary.LittleEndian.Uint32(rec[3:]), loc),
				Type:         int(rec[7]),
			}
		default:
			return logs
		}
		logs = append(logs, l)
	}
	return logs
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
