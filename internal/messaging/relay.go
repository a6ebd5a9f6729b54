package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// NATS subjects used between instances.
const (
	SubjectConn    = "pairchat.conn"    // + .<connection_id>
	SubjectChannel = "pairchat.channel" // + .<channel>
)

const (
	opJoin    = "join"
	opEmit    = "emit"
	opChannel = "channel"
	opClear   = "clear"
)

// Local is the transport of this instance.
type Local interface {
	Has(connID string) bool
	Join(connID, channel string) error
	EmitTo(connID string, msg []byte) error
	EmitToChannel(channel string, msg []byte) error
	ClearChannel(channel string) error
}

// Bus is the pub/sub capability the relay needs. *NATSClient satisfies it.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte)) error
}

type command struct {
	Origin  string `json:"origin"`
	Op      string `json:"op"`
	Conn    string `json:"conn,omitempty"`
	Channel string `json:"channel,omitempty"`
	Data    []byte `json:"data,omitempty"`
}

// Relay routes transport operations to the instance that holds the target.
// Operations on a connection of this instance run locally; operations on an
// unknown connection are published for the instance that owns it. Channel
// operations run locally and are published to every other instance, since
// a room's connections can be spread over several of them.
type Relay struct {
	origin string
	local  Local
	bus    Bus
}

// NewRelay creates a Relay. A nil bus makes it a pass-through to local.
func NewRelay(origin string, local Local, bus Bus) *Relay {
	return &Relay{origin: origin, local: local, bus: bus}
}

// Start subscribes to the commands published by other instances.
func (r *Relay) Start() error {
	if r.bus == nil {
		return nil
	}
	if err := r.bus.Subscribe(SubjectConn+".*", r.handle); err != nil {
		return err
	}
	return r.bus.Subscribe(SubjectChannel+".*", r.handle)
}

// Join adds a connection to a channel.
func (r *Relay) Join(connID, channel string) error {
	if r.bus == nil || r.local.Has(connID) {
		return r.local.Join(connID, channel)
	}
	return r.publish(SubjectConn+"."+connID, command{Op: opJoin, Conn: connID, Channel: channel})
}

// EmitTo sends a frame to one connection.
func (r *Relay) EmitTo(connID string, msg []byte) error {
	if r.bus == nil || r.local.Has(connID) {
		return r.local.EmitTo(connID, msg)
	}
	return r.publish(SubjectConn+"."+connID, command{Op: opEmit, Conn: connID, Data: msg})
}

// EmitToChannel sends a frame to every member of a channel on every instance.
func (r *Relay) EmitToChannel(channel string, msg []byte) error {
	if err := r.local.EmitToChannel(channel, msg); err != nil {
		return err
	}
	if r.bus == nil {
		return nil
	}
	return r.publish(SubjectChannel+"."+channel, command{Op: opChannel, Channel: channel, Data: msg})
}

// ClearChannel empties a channel on every instance.
func (r *Relay) ClearChannel(channel string) error {
	if err := r.local.ClearChannel(channel); err != nil {
		return err
	}
	if r.bus == nil {
		return nil
	}
	return r.publish(SubjectChannel+"."+channel, command{Op: opClear, Channel: channel})
}

func (r *Relay) publish(subject string, cmd command) error {
	cmd.Origin = r.origin
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("messaging: encode %s: %w", cmd.Op, err)
	}
	if err := r.bus.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

func (r *Relay) handle(subject string, data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.WithError(err).WithField("subject", subject).Warn("invalid relay command")
		return
	}
	if cmd.Origin == r.origin {
		return
	}

	var err error
	switch cmd.Op {
	case opJoin:
		if r.local.Has(cmd.Conn) {
			err = r.local.Join(cmd.Conn, cmd.Channel)
		}
	case opEmit:
		if r.local.Has(cmd.Conn) {
			err = r.local.EmitTo(cmd.Conn, cmd.Data)
		}
	case opChannel:
		err = r.local.EmitToChannel(cmd.Channel, cmd.Data)
	case opClear:
		err = r.local.ClearChannel(cmd.Channel)
	default:
		log.WithField("op", cmd.Op).Warn("unknown relay op")
		return
	}
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"op":      cmd.Op,
			"conn":    cmd.Conn,
			"channel": cmd.Channel,
		}).Debug("relay command failed")
	}
}
