// Package program encodes instructions for the on-chain pool program and
// derives its program addresses. The program itself runs elsewhere; this
// package only produces the byte layouts it expects.
package program

import (
	"encoding/binary"
	"fmt"

	"github.com/bardlex/orepool/internal/pool"
)

// Tag is the one-byte instruction discriminator.
type Tag uint8

const (
	// TagOpen registers a member and returns its id as return data.
	TagOpen Tag = 0
	// TagClaim withdraws from a member balance.
	TagClaim      Tag = 1
	TagCertify    Tag = 100
	TagInitialize Tag = 101
	// TagSubmit posts a round's best solution and attestation.
	TagSubmit Tag = 102
)

func (t Tag) String() string {
	switch t {
	case TagOpen:
		return "open"
	case TagClaim:
		return "claim"
	case TagCertify:
		return "certify"
	case TagInitialize:
		return "initialize"
	case TagSubmit:
		return "submit"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Argument sizes. Fields are packed with alignment 1.
const (
	CertifyArgsSize    = 16 + 8 + 32
	InitializeArgsSize = 1
	SubmitArgsSize     = 32 + 1 + 16 + 8
	OpenArgsSize       = 1
	ClaimArgsSize      = 8
)

// AccountMeta describes one account passed to an instruction.
type AccountMeta struct {
	Pubkey     pool.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a program invocation ready to be placed in a transaction.
type Instruction struct {
	ProgramID pool.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// CertifyArgs certifies a member solution on chain.
type CertifyArgs struct {
	Digest    [16]byte
	Nonce     [8]byte
	Signature [32]byte
}

// Encode returns the packed argument bytes.
func (a CertifyArgs) Encode() []byte {
	out := make([]byte, 0, CertifyArgsSize)
	out = append(out, a.Digest[:]...)
	out = append(out, a.Nonce[:]...)
	return append(out, a.Signature[:]...)
}

// InitializeArgs creates the pool account.
type InitializeArgs struct {
	PoolBump uint8
}

// Encode returns the packed argument bytes.
func (a InitializeArgs) Encode() []byte {
	return []byte{a.PoolBump}
}

// SubmitArgs carries the round's best solution and attestation.
type SubmitArgs struct {
	Attestation [32]byte
	BatchBump   uint8
	Digest      [16]byte
	Nonce       [8]byte
}

// Encode returns the packed argument bytes.
func (a SubmitArgs) Encode() []byte {
	out := make([]byte, 0, SubmitArgsSize)
	out = append(out, a.Attestation[:]...)
	out = append(out, a.BatchBump)
	out = append(out, a.Digest[:]...)
	return append(out, a.Nonce[:]...)
}

// DecodeSubmitArgs parses packed SubmitArgs.
func DecodeSubmitArgs(b []byte) (SubmitArgs, error) {
	var a SubmitArgs
	if len(b) != SubmitArgsSize {
		return a, fmt.Errorf("submit args: got %d bytes, want %d", len(b), SubmitArgsSize)
	}
	copy(a.Attestation[:], b[0:32])
	a.BatchBump = b[32]
	copy(a.Digest[:], b[33:49])
	copy(a.Nonce[:], b[49:57])
	return a, nil
}

// OpenArgs registers a member.
type OpenArgs struct {
	MemberBump uint8
}

// Encode returns the packed argument bytes.
func (a OpenArgs) Encode() []byte {
	return []byte{a.MemberBump}
}

// ClaimArgs withdraws from a member balance.
type ClaimArgs struct {
	Amount uint64
}

// Encode returns the packed argument bytes.
func (a ClaimArgs) Encode() []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, ClaimArgsSize), a.Amount)
}

func data(tag Tag, args []byte) []byte {
	out := make([]byte, 0, 1+len(args))
	out = append(out, byte(tag))
	return append(out, args...)
}

// SplitData returns the tag and argument bytes of instruction data.
func SplitData(b []byte) (Tag, []byte, error) {
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("empty instruction data")
	}
	return Tag(b[0]), b[1:], nil
}

// InitializeAccounts are the accounts Initialize passes, in program order.
type InitializeAccounts struct {
	Operator      pool.Pubkey
	Miner         pool.Pubkey
	Pool          pool.Pubkey
	Proof         pool.Pubkey
	MiningProgram pool.Pubkey
}

// Initialize builds the pool initialize instruction signed by the operator.
// The program creates the pool account and opens its mining proof.
func Initialize(programID pool.Pubkey, accts InitializeAccounts, args InitializeArgs) Instruction {
	return Instruction{
		ProgramID: programID,
		Accounts: []AccountMeta{
			{Pubkey: accts.Operator, IsSigner: true, IsWritable: true},
			{Pubkey: accts.Miner},
			{Pubkey: accts.Pool, IsWritable: true},
			{Pubkey: accts.Proof, IsWritable: true},
			{Pubkey: accts.MiningProgram},
			{Pubkey: TokenProgramID},
			{Pubkey: AssociatedTokenProgramID},
			{Pubkey: SystemProgramID},
			{Pubkey: SlotHashesSysvarID},
		},
		Data: data(TagInitialize, args.Encode()),
	}
}

// Open builds the member registration instruction. The operator pays for
// the member account.
func Open(programID, operator, memberAuthority, poolAddr, memberAddr pool.Pubkey, args OpenArgs) Instruction {
	return Instruction{
		ProgramID: programID,
		Accounts: []AccountMeta{
			{Pubkey: operator, IsSigner: true, IsWritable: true},
			{Pubkey: memberAuthority},
			{Pubkey: memberAddr, IsWritable: true},
			{Pubkey: poolAddr, IsWritable: true},
			{Pubkey: SystemProgramID},
		},
		Data: data(TagOpen, args.Encode()),
	}
}

// Certify builds the member certify instruction.
func Certify(programID, operator, memberAddr, poolAddr pool.Pubkey, args CertifyArgs) Instruction {
	return Instruction{
		ProgramID: programID,
		Accounts: []AccountMeta{
			{Pubkey: operator, IsSigner: true, IsWritable: true},
			{Pubkey: memberAddr, IsWritable: true},
			{Pubkey: poolAddr},
		},
		Data: data(TagCertify, args.Encode()),
	}
}

// Submit builds the round submission instruction.
func Submit(programID, operator, poolAddr, proofAddr, batchAddr pool.Pubkey, args SubmitArgs) Instruction {
	return Instruction{
		ProgramID: programID,
		Accounts: []AccountMeta{
			{Pubkey: operator, IsSigner: true, IsWritable: true},
			{Pubkey: poolAddr, IsWritable: true},
			{Pubkey: proofAddr, IsWritable: true},
			{Pubkey: batchAddr, IsWritable: true},
			{Pubkey: SystemProgramID},
		},
		Data: data(TagSubmit, args.Encode()),
	}
}

// ClaimAccounts are the accounts Claim passes, in program order.
// Beneficiary and TreasuryTokens are token accounts of the mining mint.
type ClaimAccounts struct {
	Authority      pool.Pubkey
	Beneficiary    pool.Pubkey
	Member         pool.Pubkey
	Pool           pool.Pubkey
	Proof          pool.Pubkey
	Treasury       pool.Pubkey
	TreasuryTokens pool.Pubkey
	MiningProgram  pool.Pubkey
}

// Claim builds a member claim instruction signed by the member authority.
func Claim(programID pool.Pubkey, accts ClaimAccounts, args ClaimArgs) Instruction {
	return Instruction{
		ProgramID: programID,
		Accounts: []AccountMeta{
			{Pubkey: accts.Authority, IsSigner: true, IsWritable: true},
			{Pubkey: accts.Beneficiary, IsWritable: true},
			{Pubkey: accts.Member, IsWritable: true},
			{Pubkey: accts.Pool},
			{Pubkey: accts.Proof, IsWritable: true},
			{Pubkey: accts.Treasury},
			{Pubkey: accts.TreasuryTokens, IsWritable: true},
			{Pubkey: accts.MiningProgram},
			{Pubkey: TokenProgramID},
		},
		Data: data(TagClaim, args.Encode()),
	}
}
