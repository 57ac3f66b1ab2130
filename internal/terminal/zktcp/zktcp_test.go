package zktcp

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragotesac/frazkteco-devices/internal/model"
	"github.com/fragotesac/frazkteco-devices/internal/terminal"
)

const testSession = 0x2b1c

// fakeTerminal answers the protocol subset on a loopback listener. The user table is served
// inline; the attendance log is announced and served in chunks, split over two data frames.
type fakeTerminal struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	users    []model.DeviceUser
	logs     [][]byte
	written  []model.DeviceUser
	commands []uint16
	sessions []uint16

	rejectAttendance bool
	// mute stops answering get users, leaving the client waiting.
	mute bool
}

func newFakeTerminal(t *testing.T) *fakeTerminal {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeTerminal{t: t, ln: ln}
	t.Cleanup(func() { _ = ln.Close() })
	go f.serve()
	return f
}

func (f *fakeTerminal) endpoint() terminal.Endpoint {
	return terminal.Endpoint{
		Address:        f.ln.Addr().String(),
		ConnectTimeout: time.Second,
		RecvTimeout:    time.Second,
	}
}

func (f *fakeTerminal) setUsers(users ...model.DeviceUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = users
}

func (f *fakeTerminal) addLog(userID string, at time.Time, punch byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := make([]byte, 40)
	binary.LittleEndian.PutUint16(rec[0:], 1)
	copy(rec[2:26], userID)
	binary.LittleEndian.PutUint32(rec[27:], encodeTime(at))
	rec[31] = punch
	f.logs = append(f.logs, rec)
}

func (f *fakeTerminal) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeTerminal) handle(conn net.Conn) {
	defer conn.Close()

	var pending []byte
	reply := func(req packet, cmd uint16, data []byte) {
		_, _ = conn.Write(frame(packet{cmd: cmd, session: testSession, reply: req.reply, data: data}))
	}

	for {
		req, err := readFrame(conn)
		if err != nil {
			return
		}

		f.mu.Lock()
		f.commands = append(f.commands, req.cmd)
		f.sessions = append(f.sessions, req.session)
		users := append([]model.DeviceUser(nil), f.users...)
		logs := bytes.Join(f.logs, nil)
		nlogs := len(f.logs)
		reject, mute := f.rejectAttendance, f.mute
		f.mu.Unlock()

		switch req.cmd {
		case cmdConnect:
			reply(req, ackOK, nil)
		case cmdGetFreeSizes:
			sz := make([]byte, 92)
			binary.LittleEndian.PutUint32(sz[16:], uint32(len(users)))
			binary.LittleEndian.PutUint32(sz[32:], uint32(nlogs))
			reply(req, ackOK, sz)
		case cmdDataWRRQ:
			switch binary.LittleEndian.Uint16(req.data[1:]) {
			case cmdUserTempRRQ:
				if mute {
					continue
				}
				body := make([]byte, 4)
				for _, u := range users {
					body = append(body, encodeUser(u)...)
				}
				binary.LittleEndian.PutUint32(body, uint32(len(body)-4))
				reply(req, cmdData, body)
			case cmdAttLogRRQ:
				if reject {
					reply(req, ackError, nil)
					continue
				}
				pending = make([]byte, 4, 4+len(logs))
				binary.LittleEndian.PutUint32(pending, uint32(len(logs)))
				pending = append(pending, logs...)
				ann := make([]byte, 5)
				binary.LittleEndian.PutUint32(ann[1:], uint32(len(pending)))
				reply(req, ackOK, ann)
			}
		case cmdDataRDY:
			start := int(binary.LittleEndian.Uint32(req.data[0:]))
			size := int(binary.LittleEndian.Uint32(req.data[4:]))
			chunk := pending[start : start+size]
			prep := make([]byte, 4)
			binary.LittleEndian.PutUint32(prep, uint32(len(chunk)))
			reply(req, cmdPrepareData, prep)
			half := len(chunk) / 2
			reply(req, cmdData, chunk[:half])
			reply(req, cmdData, chunk[half:])
			reply(req, ackOK, nil)
		case cmdFreeData, cmdRefreshData:
			reply(req, ackOK, nil)
		case cmdUserWRQ:
			u := decodeUsers(append([]byte{userRecordSize, 0, 0, 0}, req.data...), 1)
			f.mu.Lock()
			f.written = append(f.written, u...)
			f.mu.Unlock()
			reply(req, ackOK, nil)
		case cmdExit:
			reply(req, ackOK, nil)
			return
		default:
			reply(req, ackError, nil)
		}
	}
}

func (f *fakeTerminal) seen() ([]uint16, []uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint16(nil), f.commands...), append([]uint16(nil), f.sessions...)
}

func newTestClient(f *fakeTerminal) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dial := NewDialer(Options{Location: time.UTC}, logger)
	return dial(f.endpoint()).(*Client)
}

func TestConnectFrameMatchesTerminalEncoding(t *testing.T) {
	buf, next := request(cmdConnect, 0, ushrtMax-1, nil)
	want := []byte{0x50, 0x50, 0x82, 0x7d, 0x08, 0x00, 0x00, 0x00, 0xe8, 0x03, 0x17, 0xfc, 0x00, 0x00, 0x00, 0x00}
	assert.Equal(t, want, buf)
	assert.Equal(t, uint16(0), next)
}

func TestPackedTime(t *testing.T) {
	assert.Equal(t, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), decodeTime(0, time.UTC))

	at := time.Date(2024, 3, 15, 17, 42, 9, 0, time.UTC)
	assert.Equal(t, at, decodeTime(encodeTime(at), time.UTC))
}

func TestClientReadsAndWritesTerminal(t *testing.T) {
	f := newFakeTerminal(t)
	f.setUsers(
		model.DeviceUser{UID: 1, UserID: "12345678", Name: "Ana Quispe", CardNumber: 99},
		model.DeviceUser{UID: 2, UserID: "87654321", Name: "Luis"},
	)
	f.addLog("12345678", time.Date(2024, 1, 2, 8, 1, 0, 0, time.UTC), 0)
	f.addLog("12345678", time.Date(2024, 1, 2, 17, 5, 30, 0, time.UTC), 1)
	f.addLog("87654321", time.Date(2024, 1, 2, 8, 15, 0, 0, time.UTC), 0)

	c := newTestClient(f)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	users, err := c.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, model.DeviceUser{UID: 1, UserID: "12345678", Name: "Ana Quispe", CardNumber: 99}, users[0])
	assert.Equal(t, "Luis", users[1].Name)

	logs, err := c.Attendances(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "12345678", logs[1].DeviceUserID)
	assert.Equal(t, time.Date(2024, 1, 2, 17, 5, 30, 0, time.UTC), logs[1].RecordTime)
	assert.Equal(t, 1, logs[1].Type)

	require.NoError(t, c.SetUser(ctx, model.DeviceUser{UID: 3, UserID: "11112222", Name: "Rosa"}))
	require.NoError(t, c.Disconnect(ctx))

	f.mu.Lock()
	written := append([]model.DeviceUser(nil), f.written...)
	f.mu.Unlock()
	require.Len(t, written, 1)
	assert.Equal(t, model.DeviceUser{UID: 3, UserID: "11112222", Name: "Rosa"}, written[0])

	commands, sessions := f.seen()
	assert.Equal(t, cmdConnect, commands[0])
	assert.Contains(t, commands, cmdFreeData)
	assert.Contains(t, commands, cmdRefreshData)
	assert.Equal(t, cmdExit, commands[len(commands)-1])
	assert.Equal(t, uint16(0), sessions[0])
	for _, s := range sessions[1:] {
		assert.Equal(t, uint16(testSession), s)
	}
}

func TestAttendanceRejectedIsUnsupported(t *testing.T) {
	f := newFakeTerminal(t)
	f.mu.Lock()
	f.rejectAttendance = true
	f.mu.Unlock()
	f.addLog("12345678", time.Date(2024, 1, 2, 8, 1, 0, 0, time.UTC), 0)

	c := newTestClient(f)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	_, err := c.Attendances(ctx)
	assert.ErrorIs(t, err, terminal.ErrUnsupported)
	c.Destroy()
}

func TestEmptyTablesSkipBufferedRead(t *testing.T) {
	f := newFakeTerminal(t)
	c := newTestClient(f)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	users, err := c.Users(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	commands, _ := f.seen()
	assert.NotContains(t, commands, cmdDataWRRQ)
	c.Destroy()
}

func TestDestroyUnblocksPendingRead(t *testing.T) {
	f := newFakeTerminal(t)
	f.mu.Lock()
	f.mute = true
	f.mu.Unlock()
	f.setUsers(model.DeviceUser{UID: 1, UserID: "1", Name: "Ana"})

	ep := f.endpoint()
	ep.RecvTimeout = time.Minute
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewDialer(Options{}, logger)(ep)
	require.NoError(t, c.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := c.Users(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		commands, _ := f.seen()
		return len(commands) > 0 && commands[len(commands)-1] == cmdDataWRRQ
	}, time.Second, 5*time.Millisecond)
	c.Destroy()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Destroy did not unblock the pending read")
	}
	assert.Error(t, c.Disconnect(context.Background()))
}

func TestManagerOverTCP(t *testing.T) {
	f := newFakeTerminal(t)
	f.setUsers(model.DeviceUser{UID: 7, UserID: "12345678", Name: "Ana"})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := terminal.NewManager(NewDialer(Options{Location: time.UTC}, logger), f.endpoint(), 2*time.Second, logger)

	users, err := m.Users(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, 7, users[0].UID)

	commands, _ := f.seen()
	assert.Equal(t, cmdExit, commands[len(commands)-1])
}
