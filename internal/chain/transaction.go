package chain

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/internal/program"
)

// MessageHeader counts the signer and read-only accounts of a message.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction references accounts by index into the message keys.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message is a legacy transaction message.
type Message struct {
	Header          MessageHeader
	AccountKeys     []pool.Pubkey
	RecentBlockhash [32]byte
	Instructions    []CompiledInstruction
}

type accountFlags struct {
	key      pool.Pubkey
	signer   bool
	writable bool
}

// CompileMessage orders the accounts of ixs into the legacy layout: the fee
// payer, other writable signers, read-only signers, writable non-signers, then
// read-only non-signers. Flags of repeated accounts are merged.
func CompileMessage(payer pool.Pubkey, blockhash [32]byte, ixs ...program.Instruction) (*Message, error) {
	if len(ixs) == 0 {
		return nil, fmt.Errorf("message needs at least one instruction")
	}

	index := map[pool.Pubkey]int{payer: 0}
	accounts := []accountFlags{{key: payer, signer: true, writable: true}}
	add := func(key pool.Pubkey, signer, writable bool) {
		if i, ok := index[key]; ok {
			accounts[i].signer = accounts[i].signer || signer
			accounts[i].writable = accounts[i].writable || writable
			return
		}
		index[key] = len(accounts)
		accounts = append(accounts, accountFlags{key: key, signer: signer, writable: writable})
	}
	for _, ix := range ixs {
		for _, meta := range ix.Accounts {
			add(meta.Pubkey, meta.IsSigner, meta.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}

	rank := func(a accountFlags) int {
		switch {
		case a.signer && a.writable:
			return 0
		case a.signer:
			return 1
		case a.writable:
			return 2
		default:
			return 3
		}
	}
	// stable bucket sort keeps first-seen order inside each class
	ordered := make([]accountFlags, 0, len(accounts))
	ordered = append(ordered, accounts[0])
	for r := range 4 {
		for _, a := range accounts[1:] {
			if rank(a) == r {
				ordered = append(ordered, a)
			}
		}
	}
	if len(ordered) > 256 {
		return nil, fmt.Errorf("too many accounts: %d", len(ordered))
	}

	msg := &Message{RecentBlockhash: blockhash}
	positions := make(map[pool.Pubkey]uint8, len(ordered))
	for i, a := range ordered {
		positions[a.key] = uint8(i)
		msg.AccountKeys = append(msg.AccountKeys, a.key)
		switch rank(a) {
		case 0:
			msg.Header.NumRequiredSignatures++
		case 1:
			msg.Header.NumRequiredSignatures++
			msg.Header.NumReadonlySignedAccounts++
		case 3:
			msg.Header.NumReadonlyUnsignedAccounts++
		}
	}

	for _, ix := range ixs {
		compiled := CompiledInstruction{
			ProgramIDIndex: positions[ix.ProgramID],
			Data:           ix.Data,
		}
		for _, meta := range ix.Accounts {
			compiled.Accounts = append(compiled.Accounts, positions[meta.Pubkey])
		}
		msg.Instructions = append(msg.Instructions, compiled)
	}
	return msg, nil
}

// Serialize encodes the message in wire format. Lengths use the compact-u16
// encoding, which matches an unsigned LEB128 varint.
func (m *Message) Serialize() []byte {
	b := []byte{
		m.Header.NumRequiredSignatures,
		m.Header.NumReadonlySignedAccounts,
		m.Header.NumReadonlyUnsignedAccounts,
	}
	b = binary.AppendUvarint(b, uint64(len(m.AccountKeys)))
	for _, k := range m.AccountKeys {
		b = append(b, k[:]...)
	}
	b = append(b, m.RecentBlockhash[:]...)
	b = binary.AppendUvarint(b, uint64(len(m.Instructions)))
	for _, ix := range m.Instructions {
		b = append(b, ix.ProgramIDIndex)
		b = binary.AppendUvarint(b, uint64(len(ix.Accounts)))
		b = append(b, ix.Accounts...)
		b = binary.AppendUvarint(b, uint64(len(ix.Data)))
		b = append(b, ix.Data...)
	}
	return b
}

// Transaction is a signed message.
type Transaction struct {
	Signatures []pool.Signature
	Message    *Message
}

// SignTransaction signs msg with signers, which must cover exactly the
// message's required signer accounts.
func SignTransaction(msg *Message, signers ...ed25519.PrivateKey) (*Transaction, error) {
	required := int(msg.Header.NumRequiredSignatures)
	if len(signers) != required {
		return nil, fmt.Errorf("message needs %d signatures, got %d signers", required, len(signers))
	}

	byKey := make(map[pool.Pubkey]ed25519.PrivateKey, len(signers))
	for _, s := range signers {
		var pk pool.Pubkey
		copy(pk[:], s.Public().(ed25519.PublicKey))
		byKey[pk] = s
	}

	payload := msg.Serialize()
	tx := &Transaction{Message: msg, Signatures: make([]pool.Signature, required)}
	for i := range required {
		key := msg.AccountKeys[i]
		signer, ok := byKey[key]
		if !ok {
			return nil, fmt.Errorf("missing signer for %s", key)
		}
		copy(tx.Signatures[i][:], ed25519.Sign(signer, payload))
	}
	return tx, nil
}

// Signature returns the fee payer's signature, which identifies the
// transaction.
func (tx *Transaction) Signature() pool.Signature {
	if len(tx.Signatures) == 0 {
		return pool.Signature{}
	}
	return tx.Signatures[0]
}

// Serialize encodes the signed transaction in wire format.
func (tx *Transaction) Serialize() []byte {
	b := binary.AppendUvarint(nil, uint64(len(tx.Signatures)))
	for _, s := range tx.Signatures {
		b = append(b, s[:]...)
	}
	return append(b, tx.Message.Serialize()...)
}
