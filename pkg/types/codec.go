package types

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// records and raft commands are encoded in protobuf wire format
// timestamps travel as unix milliseconds, absent fields decode to zero values

const (
	recApplication protowire.Number = iota + 1
	recSessionID
	recCreated
	recExpires
	recLockDate
	recLockToken
	recTimeout
	recLocked
	recPayload
	recActionFlags
)

const (
	keyApplication protowire.Number = iota + 1
	keySessionID
)

const (
	condUnlocked protowire.Number = iota + 1
	condLiveAt
	condDeadAt
	condLockToken
)

const (
	mutLocked protowire.Number = iota + 1
	mutLockDate
	mutBumpToken
	mutActionFlags
	mutExpires
	mutSlideFrom
	mutTimeout
	mutSetPayload
	mutPayload
)

const (
	wrapType protowire.Number = iota + 1
	wrapBody
)

// MarshalRecord encodes a record.
func MarshalRecord(r *Record) []byte {
	var b []byte
	b = appendString(b, recApplication, r.Application)
	b = appendString(b, recSessionID, r.SessionID)
	b = appendTime(b, recCreated, r.Created)
	b = appendTime(b, recExpires, r.Expires)
	b = appendTime(b, recLockDate, r.LockDate)
	b = appendVarint(b, recLockToken, r.LockToken)
	b = appendVarint(b, recTimeout, uint64(int64(r.TimeoutMinutes)))
	b = appendBool(b, recLocked, r.Locked)
	if len(r.Payload) > 0 {
		b = protowire.AppendTag(b, recPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	b = appendVarint(b, recActionFlags, uint64(r.ActionFlags))
	return b
}

// UnmarshalRecord decodes a record produced by MarshalRecord.
func UnmarshalRecord(b []byte) (*Record, error) {
	r := &Record{}
	err := walk(b, func(f field) error {
		switch f.num {
		case recApplication:
			r.Application = string(f.b)
		case recSessionID:
			r.SessionID = string(f.b)
		case recCreated:
			r.Created = fromMillis(f.v)
		case recExpires:
			r.Expires = fromMillis(f.v)
		case recLockDate:
			r.LockDate = fromMillis(f.v)
		case recLockToken:
			r.LockToken = f.v
		case recTimeout:
			r.TimeoutMinutes = int(int64(f.v))
		case recLocked:
			r.Locked = f.v != 0
		case recPayload:
			r.Payload = append([]byte(nil), f.b...)
		case recActionFlags:
			r.ActionFlags = ActionFlags(f.v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// MarshalCommand wraps a command with its type tag.
func MarshalCommand(cmd Command) ([]byte, error) {
	var body []byte

	switch c := cmd.(type) {
	case InsertCmd:
		if c.Record == nil {
			return nil, fmt.Errorf("insert command without record")
		}
		body = appendMessage(body, 1, MarshalRecord(c.Record))
	case UpdateCmd:
		body = appendMessage(body, 1, marshalKey(c.Key))
		body = appendMessage(body, 2, marshalCondition(c.Cond))
		body = appendMessage(body, 3, marshalMutation(c.Mut))
	case DeleteCmd:
		body = appendMessage(body, 1, marshalKey(c.Key))
		if c.Cond != nil {
			body = appendMessage(body, 2, marshalCondition(*c.Cond))
		}
	case SweepCmd:
		body = appendTime(body, 1, c.Now)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}

	var b []byte
	b = appendVarint(b, wrapType, uint64(cmd.Type()))
	b = appendMessage(b, wrapBody, body)
	return b, nil
}

// UnmarshalCommand reverses MarshalCommand.
func UnmarshalCommand(b []byte) (Command, error) {
	var (
		typ  CommandType
		body []byte
	)
	err := walk(b, func(f field) error {
		switch f.num {
		case wrapType:
			typ = CommandType(f.v)
		case wrapBody:
			body = f.b
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch typ {
	case CommandTypeInsert:
		var cmd InsertCmd
		err = walk(body, func(f field) error {
			if f.num != 1 {
				return nil
			}
			rec, err := UnmarshalRecord(f.b)
			cmd.Record = rec
			return err
		})
		if err == nil && cmd.Record == nil {
			err = fmt.Errorf("%w: insert without record", ErrMalformedRecord)
		}
		return cmd, err

	case CommandTypeUpdate:
		var cmd UpdateCmd
		err = walk(body, func(f field) error {
			var err error
			switch f.num {
			case 1:
				cmd.Key, err = unmarshalKey(f.b)
			case 2:
				cmd.Cond, err = unmarshalCondition(f.b)
			case 3:
				cmd.Mut, err = unmarshalMutation(f.b)
			}
			return err
		})
		return cmd, err

	case CommandTypeDelete:
		var cmd DeleteCmd
		err = walk(body, func(f field) error {
			var err error
			switch f.num {
			case 1:
				cmd.Key, err = unmarshalKey(f.b)
			case 2:
				var cond Condition
				cond, err = unmarshalCondition(f.b)
				cmd.Cond = &cond
			}
			return err
		})
		return cmd, err

	case CommandTypeSweep:
		var cmd SweepCmd
		err = walk(body, func(f field) error {
			if f.num == 1 {
				cmd.Now = fromMillis(f.v)
			}
			return nil
		})
		return cmd, err

	default:
		return nil, fmt.Errorf("%w: type %d", ErrUnknownCommand, typ)
	}
}

func marshalKey(k Key) []byte {
	var b []byte
	b = appendString(b, keyApplication, k.Application)
	b = appendString(b, keySessionID, k.SessionID)
	return b
}

func unmarshalKey(b []byte) (Key, error) {
	var k Key
	err := walk(b, func(f field) error {
		switch f.num {
		case keyApplication:
			k.Application = string(f.b)
		case keySessionID:
			k.SessionID = string(f.b)
		}
		return nil
	})
	return k, err
}

func marshalCondition(c Condition) []byte {
	var b []byte
	if c.Unlocked {
		b = appendBool(b, condUnlocked, true)
	}
	b = appendTime(b, condLiveAt, c.LiveAt)
	b = appendTime(b, condDeadAt, c.DeadAt)
	if c.LockToken != nil {
		b = protowire.AppendTag(b, condLockToken, protowire.VarintType)
		b = protowire.AppendVarint(b, *c.LockToken)
	}
	return b
}

func unmarshalCondition(b []byte) (Condition, error) {
	var c Condition
	err := walk(b, func(f field) error {
		switch f.num {
		case condUnlocked:
			c.Unlocked = f.v != 0
		case condLiveAt:
			c.LiveAt = fromMillis(f.v)
		case condDeadAt:
			c.DeadAt = fromMillis(f.v)
		case condLockToken:
			token := f.v
			c.LockToken = &token
		}
		return nil
	})
	return c, err
}

func marshalMutation(m Mutation) []byte {
	var b []byte
	if m.Locked != nil {
		b = protowire.AppendTag(b, mutLocked, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(*m.Locked))
	}
	if m.LockDate != nil {
		b = appendTimeAlways(b, mutLockDate, *m.LockDate)
	}
	if m.BumpToken {
		b = appendBool(b, mutBumpToken, true)
	}
	if m.ActionFlags != nil {
		b = protowire.AppendTag(b, mutActionFlags, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.ActionFlags))
	}
	if m.Expires != nil {
		b = appendTimeAlways(b, mutExpires, *m.Expires)
	}
	if m.SlideFrom != nil {
		b = appendTimeAlways(b, mutSlideFrom, *m.SlideFrom)
	}
	if m.TimeoutMinutes != nil {
		b = protowire.AppendTag(b, mutTimeout, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(*m.TimeoutMinutes)))
	}
	if m.SetPayload {
		b = appendBool(b, mutSetPayload, true)
		b = protowire.AppendTag(b, mutPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b
}

func unmarshalMutation(b []byte) (Mutation, error) {
	var m Mutation
	err := walk(b, func(f field) error {
		switch f.num {
		case mutLocked:
			locked := protowire.DecodeBool(f.v)
			m.Locked = &locked
		case mutLockDate:
			t := fromMillis(f.v)
			m.LockDate = &t
		case mutBumpToken:
			m.BumpToken = f.v != 0
		case mutActionFlags:
			flags := ActionFlags(f.v)
			m.ActionFlags = &flags
		case mutExpires:
			t := fromMillis(f.v)
			m.Expires = &t
		case mutSlideFrom:
			t := fromMillis(f.v)
			m.SlideFrom = &t
		case mutTimeout:
			timeout := int(int64(f.v))
			m.TimeoutMinutes = &timeout
		case mutSetPayload:
			m.SetPayload = f.v != 0
		case mutPayload:
			m.Payload = append([]byte{}, f.b...)
		}
		return nil
	})
	return m, err
}

// --- wire helpers ---

type field struct {
	num protowire.Number
	v   uint64
	b   []byte
}

func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(m))
			}
			f.v = v
			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(m))
			}
			f.b = v
			b = b[m:]
		default:
			//skip fields written by a newer encoder
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return appendTimeAlways(b, num, t)
}

func appendTimeAlways(b []byte, num protowire.Number, t time.Time) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t.UnixMilli()))
}

func fromMillis(v uint64) time.Time {
	return time.UnixMilli(int64(v)).UTC()
}
