package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fragotesac/frazkteco-devices/internal/model"
	"github.com/fragotesac/frazkteco-devices/internal/terminal/mqttgw"
)

// seedFile is the YAML fixture a simulated terminal starts from.
type seedFile struct {
	Users []struct {
		UID          int    `yaml:"uid"`
		UserID       string `yaml:"user_id"`
		Name         string `yaml:"name"`
		Fingerprints int    `yaml:"fingerprints"`
		CardNumber   int    `yaml:"card_number"`
	} `yaml:"users"`
	Attendance []struct {
		UserID string `yaml:"user_id"`
		Time   string `yaml:"time"`
		Type   int    `yaml:"type"`
	} `yaml:"attendance"`
}

// simulator answers gateway requests from an in-memory terminal.
type simulator struct {
	logger *slog.Logger

	// rejectAttendance mimics terminals whose configuration refuses log downloads.
	rejectAttendance bool
	latency          time.Duration

	mu       sync.Mutex
	users    map[int]model.DeviceUser
	logs     []model.DeviceAttendance
	sessions map[string]bool
}

func newSimulator(logger *slog.Logger) *simulator {
	return &simulator{
		logger:   logger,
		users:    make(map[int]model.DeviceUser),
		sessions: make(map[string]bool),
	}
}

// loadSeed replaces the simulator's contents with the YAML fixture read from r.
func (s *simulator) loadSeed(r io.Reader) error {
	var seed seedFile
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil && err != io.EOF {
		return fmt.Errorf("decode seed: %w", err)
	}

	users := make(map[int]model.DeviceUser, len(seed.Users))
	for _, u := range seed.Users {
		if u.UID <= 0 || u.UID > model.MaxUID {
			return fmt.Errorf("seed user %q: uid %d out of range", u.UserID, u.UID)
		}
		users[u.UID] = model.DeviceUser{
			UID:              u.UID,
			UserID:           u.UserID,
			Name:             u.Name,
			CardNumber:       u.CardNumber,
			FingerprintCount: u.Fingerprints,
		}
	}

	logs := make([]model.DeviceAttendance, 0, len(seed.Attendance))
	for _, a := range seed.Attendance {
		ts, err := time.Parse(model.TimestampLayout, a.Time)
		if err != nil {
			return fmt.Errorf("seed attendance for %q: %w", a.UserID, err)
		}
		logs = append(logs, model.DeviceAttendance{DeviceUserID: a.UserID, RecordTime: ts, Type: a.Type})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = users
	s.logs = logs
	return nil
}

// punch appends a live attendance record, as if someone touched the terminal.
func (s *simulator) punch(userID string, at time.Time, typ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, model.DeviceAttendance{DeviceUserID: userID, RecordTime: at.Truncate(time.Second), Type: typ})
}

func (s *simulator) userIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.users))
	for _, u := range s.users {
		ids = append(ids, u.UserID)
	}
	sort.Strings(ids)
	return ids
}

func (s *simulator) Handle(ctx context.Context, req mqttgw.Request) mqttgw.Reply {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return mqttgw.Reply{Error: ctx.Err().Error()}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.logger.With("session", req.Session, "op", req.Op)

	if req.Op != mqttgw.OpConnect && !s.sessions[req.Session] {
		logger.Warn("request on unknown session")
		return mqttgw.Reply{Error: "session not connected"}
	}

	switch req.Op {
	case mqttgw.OpConnect:
		s.sessions[req.Session] = true
		logger.Info("session opened", "address", req.Address)
		return mqttgw.Reply{OK: true}

	case mqttgw.OpGetUsers:
		users := make([]model.DeviceUser, 0, len(s.users))
		for _, u := range s.users {
			users = append(users, u)
		}
		sort.Slice(users, func(i, j int) bool { return users[i].UID < users[j].UID })
		logger.Debug("users served", "count", len(users))
		return mqttgw.Reply{OK: true, Users: users}

	case mqttgw.OpGetAttendances:
		if s.rejectAttendance {
			return mqttgw.Reply{Error: "get attendances not supported by device configuration"}
		}
		logs := append([]model.DeviceAttendance(nil), s.logs...)
		logger.Debug("attendance served", "count", len(logs))
		return mqttgw.Reply{OK: true, Attendances: logs}

	case mqttgw.OpSetUser:
		if req.User == nil || req.User.UID <= 0 || req.User.UID > model.MaxUID {
			return mqttgw.Reply{Error: "set user: invalid uid"}
		}
		u := *req.User
		if prev, ok := s.users[u.UID]; ok {
			u.FingerprintCount = prev.FingerprintCount
		}
		s.users[u.UID] = u
		logger.Info("user written", "uid", u.UID, "user_id", u.UserID)
		return mqttgw.Reply{OK: true}

	case mqttgw.OpDisconnect:
		delete(s.sessions, req.Session)
		logger.Info("session closed")
		return mqttgw.Reply{OK: true}

	default:
		return mqttgw.Reply{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}
