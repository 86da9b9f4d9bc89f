package program

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bardlex/orepool/internal/pool"
)

// Return-data decode failures.
var (
	ErrReturnDataMissing   = errors.New("transaction carries no return data")
	ErrReturnDataMalformed = errors.New("malformed return data")
)

// ReturnData is the return-data slot of a confirmed transaction as reported by
// the RPC node: the emitting program and its base64 payload.
type ReturnData struct {
	ProgramID pool.Pubkey
	Data      string
	Encoding  string
}

// DecodeMemberID decodes the member id written by the Open instruction: an
// 8-byte little-endian integer.
func DecodeMemberID(rd *ReturnData, programID pool.Pubkey) (uint64, error) {
	if rd == nil || rd.Data == "" {
		return 0, ErrReturnDataMissing
	}
	if rd.ProgramID != programID {
		return 0, fmt.Errorf("%w: emitted by %s, want %s", ErrReturnDataMalformed, rd.ProgramID, programID)
	}
	if rd.Encoding != "" && rd.Encoding != "base64" {
		return 0, fmt.Errorf("%w: unsupported encoding %q", ErrReturnDataMalformed, rd.Encoding)
	}

	raw, err := base64.StdEncoding.DecodeString(rd.Data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReturnDataMalformed, err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: %d bytes, want 8", ErrReturnDataMalformed, len(raw))
	}
	return binary.LittleEndian.Uint64(raw), nil
}

// EncodeMemberID is the inverse of DecodeMemberID's payload handling.
func EncodeMemberID(id uint64) string {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], id)
	return base64.StdEncoding.EncodeToString(raw[:])
}
