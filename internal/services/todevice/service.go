package todevice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"e2eed/internal/domain"
	"e2eed/internal/metrics"
)

const component = "todevice"

// Devices answers which devices a user has.
type Devices interface {
	DeviceExists(ctx context.Context, user domain.UserID, device domain.DeviceID) (bool, error)
	ListDevices(ctx context.Context, user domain.UserID) ([]domain.Device, error)
}

// Service queues messages per (user, device).
type Service struct {
	store   domain.ToDeviceStore
	devices Devices
	ids     domain.IDGenerator
	clock   domain.Clock
	log     domain.Logger

	mu     sync.Mutex
	lastTS int64
}

func New(store domain.ToDeviceStore, devices Devices, ids domain.IDGenerator, clock domain.Clock, log domain.Logger) *Service {
	if log == nil {
		log = domain.NopLogger{}
	}
	return &Service{store: store, devices: devices, ids: ids, clock: clock, log: log}
}

// AddMessage queues one message. A target device that does not exist is
// logged and skipped without error.
func (s *Service) AddMessage(ctx context.Context, user domain.UserID, device domain.DeviceID, sender domain.UserID, eventType string, content json.RawMessage) (err error) {
	defer func(start time.Time) { metrics.Observe(component, "add", start, err) }(time.Now())

	if eventType == "" {
		return domain.Validationf("message type is required")
	}
	if !json.Valid(content) {
		return domain.Validationf("content is not valid JSON")
	}
	ok, err := s.devices.DeviceExists(ctx, user, device)
	if err != nil {
		return fmt.Errorf("look up %s/%s: %w", user, device, err)
	}
	if !ok {
		s.drop(user, device, eventType)
		return nil
	}
	return s.add(ctx, user, device, sender, eventType, content)
}

// Send fans a batch out to its targets. The device id "*" addresses every
// device of the user.
func (s *Service) Send(ctx context.Context, sender domain.UserID, eventType string, messages map[domain.UserID]map[domain.DeviceID]json.RawMessage) error {
	for user, byDevice := range messages {
		for device, content := range byDevice {
			if device != domain.AllDevices {
				if err := s.AddMessage(ctx, user, device, sender, eventType, content); err != nil {
					return err
				}
				continue
			}
			devices, err := s.devices.ListDevices(ctx, user)
			if err != nil {
				return fmt.Errorf("list devices of %s: %w", user, err)
			}
			if len(devices) == 0 {
				s.drop(user, device, eventType)
			}
			for _, d := range devices {
				if err := s.add(ctx, user, d.DeviceID, sender, eventType, content); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Messages returns pending messages for a device in creation order. A
// limit of zero or less returns everything.
func (s *Service) Messages(ctx context.Context, user domain.UserID, device domain.DeviceID, limit int) ([]domain.ToDeviceMessage, error) {
	msgs, err := s.store.ToDeviceMessages(ctx, user, device, limit)
	if err != nil {
		return nil, fmt.Errorf("list to-device messages: %w", err)
	}
	return msgs, nil
}

// Delete acknowledges messages. Only the device's own messages are removed.
func (s *Service) Delete(ctx context.Context, user domain.UserID, device domain.DeviceID, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.store.DeleteToDeviceMessages(ctx, user, device, ids)
	if err != nil {
		return 0, fmt.Errorf("delete to-device messages: %w", err)
	}
	return n, nil
}

func (s *Service) add(ctx context.Context, user domain.UserID, device domain.DeviceID, sender domain.UserID, eventType string, content json.RawMessage) error {
	m := domain.ToDeviceMessage{
		ID:        s.ids.NewID(),
		UserID:    user,
		DeviceID:  device,
		Sender:    sender,
		Type:      eventType,
		Content:   content,
		CreatedTS: s.nextTS(),
	}
	if err := s.store.AddToDeviceMessage(ctx, m); err != nil {
		return fmt.Errorf("queue message for %s/%s: %w", user, device, err)
	}
	return nil
}

// nextTS keeps creation timestamps strictly increasing so that ordering by
// (created_ts, id) matches the order messages were queued.
func (s *Service) nextTS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.clock.Now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

func (s *Service) drop(user domain.UserID, device domain.DeviceID, eventType string) {
	metrics.RecordToDeviceDropped()
	s.log.Warn("dropping to-device message for unknown device",
		"user_id", user, "device_id", device, "type", eventType)
}
