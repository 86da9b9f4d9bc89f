package messaging

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/bardlex/orepool/internal/pool"
)

// Event is a message published on a pool topic. Events use the protobuf wire
// format so that consumers in other languages can decode them with a plain
// .proto description.
type Event interface {
	Key() string
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}

var errWireType = errors.New("unexpected wire type")

// Round lifecycle states carried by RoundEvent.
const (
	RoundOpened  = "opened"
	RoundSettled = "settled"
)

// ContributionEvent is published for every accepted contribution.
type ContributionEvent struct {
	RoundID    uint64
	MemberID   uint64
	Authority  pool.Pubkey
	Digest     [16]byte
	Nonce      uint64
	Difficulty uint32
	ReceivedAt time.Time
}

// NewContributionEvent converts an accepted contribution.
func NewContributionEvent(c pool.Contribution) *ContributionEvent {
	return &ContributionEvent{
		RoundID:    c.RoundID,
		MemberID:   c.MemberID,
		Authority:  c.Authority,
		Digest:     c.Solution.D,
		Nonce:      c.Solution.Nonce(),
		Difficulty: c.Difficulty,
		ReceivedAt: c.ReceivedAt,
	}
}

// Key implements Event.
func (e *ContributionEvent) Key() string {
	return strconv.FormatUint(e.MemberID, 10)
}

// Marshal implements Event.
func (e *ContributionEvent) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, e.RoundID)
	b = appendUint(b, 2, e.MemberID)
	b = appendBytes(b, 3, e.Authority[:])
	b = appendBytes(b, 4, e.Digest[:])
	b = appendUint(b, 5, e.Nonce)
	b = appendUint(b, 6, uint64(e.Difficulty))
	return appendTime(b, 7, e.ReceivedAt)
}

// Unmarshal implements Event.
func (e *ContributionEvent) Unmarshal(data []byte) error {
	return decodeFields(data, func(num protowire.Number, v fieldValue) error {
		var err error
		switch num {
		case 1:
			e.RoundID, err = v.asUint()
		case 2:
			e.MemberID, err = v.asUint()
		case 3:
			err = v.asFixed(e.Authority[:])
		case 4:
			err = v.asFixed(e.Digest[:])
		case 5:
			e.Nonce, err = v.asUint()
		case 6:
			var d uint64
			d, err = v.asUint()
			e.Difficulty = uint32(d)
		case 7:
			e.ReceivedAt, err = v.asTime()
		}
		return err
	})
}

// RoundEvent describes a round opening or a round settlement.
type RoundEvent struct {
	RoundID        uint64
	State          string
	Target         [32]byte
	MinDifficulty  uint32
	StartedAt      time.Time
	ClosedAt       time.Time
	Contributions  uint64
	BestMemberID   uint64
	BestDifficulty uint32
	Attestation    [32]byte
	Signature      string
	Submitted      bool
	Budget         uint64
	PoolFee        uint64
}

// NewRoundOpenedEvent describes a freshly installed challenge.
func NewRoundOpenedEvent(ch pool.Challenge) *RoundEvent {
	return &RoundEvent{
		RoundID:       ch.RoundID,
		State:         RoundOpened,
		Target:        ch.Target,
		MinDifficulty: ch.MinDifficulty,
		StartedAt:     ch.StartedAt,
	}
}

// Key implements Event.
func (e *RoundEvent) Key() string {
	return strconv.FormatUint(e.RoundID, 10)
}

// Marshal implements Event.
func (e *RoundEvent) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, e.RoundID)
	b = appendString(b, 2, e.State)
	b = appendBytes(b, 3, e.Target[:])
	b = appendUint(b, 4, uint64(e.MinDifficulty))
	b, err := appendTime(b, 5, e.StartedAt)
	if err != nil {
		return nil, err
	}
	if b, err = appendTime(b, 6, e.ClosedAt); err != nil {
		return nil, err
	}
	b = appendUint(b, 7, e.Contributions)
	b = appendUint(b, 8, e.BestMemberID)
	b = appendUint(b, 9, uint64(e.BestDifficulty))
	if e.Attestation != ([32]byte{}) {
		b = appendBytes(b, 10, e.Attestation[:])
	}
	b = appendString(b, 11, e.Signature)
	if e.Submitted {
		b = appendUint(b, 12, 1)
	}
	b = appendUint(b, 13, e.Budget)
	b = appendUint(b, 14, e.PoolFee)
	return b, nil
}

// Unmarshal implements Event.
func (e *RoundEvent) Unmarshal(data []byte) error {
	return decodeFields(data, func(num protowire.Number, v fieldValue) error {
		var (
			err error
			u   uint64
		)
		switch num {
		case 1:
			e.RoundID, err = v.asUint()
		case 2:
			e.State, err = v.asString()
		case 3:
			err = v.asFixed(e.Target[:])
		case 4:
			u, err = v.asUint()
			e.MinDifficulty = uint32(u)
		case 5:
			e.StartedAt, err = v.asTime()
		case 6:
			e.ClosedAt, err = v.asTime()
		case 7:
			e.Contributions, err = v.asUint()
		case 8:
			e.BestMemberID, err = v.asUint()
		case 9:
			u, err = v.asUint()
			e.BestDifficulty = uint32(u)
		case 10:
			err = v.asFixed(e.Attestation[:])
		case 11:
			e.Signature, err = v.asString()
		case 12:
			u, err = v.asUint()
			e.Submitted = u != 0
		case 13:
			e.Budget, err = v.asUint()
		case 14:
			e.PoolFee, err = v.asUint()
		}
		return err
	})
}

// RewardEvent is a reward delta credited to one member.
type RewardEvent struct {
	RoundID  uint64
	MemberID uint64
	Amount   uint64
}

// Key implements Event.
func (e *RewardEvent) Key() string {
	return strconv.FormatUint(e.MemberID, 10)
}

// Delta converts the event back to a reward delta.
func (e *RewardEvent) Delta() pool.RewardDelta {
	return pool.RewardDelta{RoundID: e.RoundID, MemberID: e.MemberID, Amount: e.Amount}
}

// Marshal implements Event.
func (e *RewardEvent) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, e.RoundID)
	b = appendUint(b, 2, e.MemberID)
	b = appendUint(b, 3, e.Amount)
	return b, nil
}

// Unmarshal implements Event.
func (e *RewardEvent) Unmarshal(data []byte) error {
	return decodeFields(data, func(num protowire.Number, v fieldValue) error {
		var err error
		switch num {
		case 1:
			e.RoundID, err = v.asUint()
		case 2:
			e.MemberID, err = v.asUint()
		case 3:
			e.Amount, err = v.asUint()
		}
		return err
	})
}

// Zero values are omitted, as proto3 does.
func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendTime embeds t as a google.protobuf.Timestamp.
func appendTime(b []byte, num protowire.Number, t time.Time) ([]byte, error) {
	if t.IsZero() {
		return b, nil
	}
	ts, err := proto.Marshal(timestamppb.New(t))
	if err != nil {
		return nil, fmt.Errorf("marshal timestamp: %w", err)
	}
	return appendBytes(b, num, ts), nil
}

type fieldValue struct {
	typ protowire.Type
	u   uint64
	b   []byte
}

func (v fieldValue) asUint() (uint64, error) {
	if v.typ != protowire.VarintType {
		return 0, errWireType
	}
	return v.u, nil
}

func (v fieldValue) asString() (string, error) {
	if v.typ != protowire.BytesType {
		return "", errWireType
	}
	return string(v.b), nil
}

func (v fieldValue) asFixed(dst []byte) error {
	if v.typ != protowire.BytesType {
		return errWireType
	}
	if len(v.b) != len(dst) {
		return fmt.Errorf("field length %d, want %d", len(v.b), len(dst))
	}
	copy(dst, v.b)
	return nil
}

func (v fieldValue) asTime() (time.Time, error) {
	if v.typ != protowire.BytesType {
		return time.Time{}, errWireType
	}
	var ts timestamppb.Timestamp
	if err := proto.Unmarshal(v.b, &ts); err != nil {
		return time.Time{}, fmt.Errorf("unmarshal timestamp: %w", err)
	}
	return ts.AsTime(), nil
}

// decodeFields walks a message and hands every varint and length-delimited
// field to fn. Fields of other wire types are skipped.
func decodeFields(b []byte, fn func(num protowire.Number, v fieldValue) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		v := fieldValue{typ: typ}
		switch typ {
		case protowire.VarintType:
			v.u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, v); err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
	}
	return nil
}
