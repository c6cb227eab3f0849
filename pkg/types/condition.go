package types

import "time"

// predicate of a conditional write
// stores evaluate it atomically with the write it guards, zero values are
// not part of the predicate
type Condition struct {
	Unlocked  bool      // locked = false
	LiveAt    time.Time // expires > LiveAt
	DeadAt    time.Time // expires <= DeadAt
	LockToken *uint64   // lock_token = *LockToken
}

func (c Condition) Matches(r *Record) bool {
	if r == nil {
		return false
	}
	if c.Unlocked && r.Locked {
		return false
	}
	if !c.LiveAt.IsZero() && !r.Expires.After(c.LiveAt) {
		return false
	}
	if !c.DeadAt.IsZero() && r.Expires.After(c.DeadAt) {
		return false
	}
	if c.LockToken != nil && r.LockToken != *c.LockToken {
		return false
	}
	return true
}

// unlocked and not expired at now
func WhenAcquirable(now time.Time) Condition {
	return Condition{Unlocked: true, LiveAt: now}
}

// current lock token equals token
func WhenToken(token uint64) Condition {
	return Condition{LockToken: &token}
}

// record is dead at now
func WhenDead(now time.Time) Condition {
	return Condition{DeadAt: now}
}

// SET clause of a conditional write
// nil fields are left untouched
type Mutation struct {
	Locked         *bool
	LockDate       *time.Time
	BumpToken      bool
	ActionFlags    *ActionFlags
	Expires        *time.Time
	SlideFrom      *time.Time // expires = SlideFrom + stored timeout
	TimeoutMinutes *int
	SetPayload     bool
	Payload        []byte
}

// applies the mutation in place
// sliding expiry uses the timeout stored before the mutation, the same way a
// SQL SET clause reads the old row
func (m Mutation) Apply(r *Record) {
	priorTimeout := r.TimeoutMinutes

	if m.Locked != nil {
		r.Locked = *m.Locked
	}
	if m.LockDate != nil {
		r.LockDate = *m.LockDate
	}
	if m.BumpToken {
		r.LockToken++
	}
	if m.ActionFlags != nil {
		r.ActionFlags = *m.ActionFlags
	}
	if m.Expires != nil {
		r.Expires = *m.Expires
	}
	if m.SlideFrom != nil {
		r.Expires = m.SlideFrom.Add(Minutes(priorTimeout))
	}
	if m.TimeoutMinutes != nil {
		r.TimeoutMinutes = *m.TimeoutMinutes
	}
	if m.SetPayload {
		r.Payload = append([]byte(nil), m.Payload...)
	}
}

// lock the record, issue the next token and clear the placeholder flag
func AcquireMutation(now time.Time) Mutation {
	locked := true
	flags := ActionNone
	return Mutation{
		Locked:      &locked,
		LockDate:    &now,
		BumpToken:   true,
		ActionFlags: &flags,
	}
}

// unlock and slide expiry by the stored timeout
func ReleaseMutation(now time.Time) Mutation {
	unlocked := false
	return Mutation{
		Locked:    &unlocked,
		SlideFrom: &now,
	}
}

// persist payload, unlock, and restart the idle window
func WriteBackMutation(now time.Time, timeoutMinutes int, payload []byte) Mutation {
	unlocked := false
	expires := now.Add(Minutes(timeoutMinutes))
	return Mutation{
		Locked:         &unlocked,
		Expires:        &expires,
		TimeoutMinutes: &timeoutMinutes,
		SetPayload:     true,
		Payload:        payload,
	}
}

// expires only
func TouchMutation(expires time.Time) Mutation {
	return Mutation{Expires: &expires}
}

// expires only, computed from the stored timeout
func SlideMutation(now time.Time) Mutation {
	return Mutation{SlideFrom: &now}
}
