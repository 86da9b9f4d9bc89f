package chain

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/internal/program"
)

func testKey(seed byte) (ed25519.PrivateKey, pool.Pubkey) {
	key := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
	var pk pool.Pubkey
	copy(pk[:], key.Public().(ed25519.PublicKey))
	return key, pk
}

func TestCompileMessage_Ordering(t *testing.T) {
	_, payer := testKey(1)
	programID := pool.Pubkey{0xaa}
	writable := pool.Pubkey{0x01}
	readonly := pool.Pubkey{0x02}
	cosigner := pool.Pubkey{0x03}

	ix := program.Instruction{
		ProgramID: programID,
		Accounts: []program.AccountMeta{
			{Pubkey: readonly},
			{Pubkey: writable, IsWritable: true},
			{Pubkey: cosigner, IsSigner: true},
			{Pubkey: payer, IsSigner: true},
			{Pubkey: readonly, IsWritable: true}, // promoted
		},
		Data: []byte{7},
	}

	msg, err := CompileMessage(payer, [32]byte{9}, ix)
	if err != nil {
		t.Fatal(err)
	}

	wantKeys := []pool.Pubkey{payer, cosigner, readonly, writable, programID}
	if len(msg.AccountKeys) != len(wantKeys) {
		t.Fatalf("len(AccountKeys) = %d, want %d", len(msg.AccountKeys), len(wantKeys))
	}
	for i := range wantKeys {
		if msg.AccountKeys[i] != wantKeys[i] {
			t.Errorf("AccountKeys[%d] = %s, want %s", i, msg.AccountKeys[i], wantKeys[i])
		}
	}

	wantHeader := MessageHeader{NumRequiredSignatures: 2, NumReadonlySignedAccounts: 1, NumReadonlyUnsignedAccounts: 1}
	if msg.Header != wantHeader {
		t.Errorf("Header = %+v, want %+v", msg.Header, wantHeader)
	}

	compiled := msg.Instructions[0]
	if compiled.ProgramIDIndex != 4 {
		t.Errorf("ProgramIDIndex = %d, want 4", compiled.ProgramIDIndex)
	}
	if !bytes.Equal(compiled.Accounts, []uint8{2, 3, 1, 0, 2}) {
		t.Errorf("Accounts = %v, want [2 3 1 0 2]", compiled.Accounts)
	}
}

func TestCompileMessage_NoInstructions(t *testing.T) {
	if _, err := CompileMessage(pool.Pubkey{1}, [32]byte{}); err == nil {
		t.Error("CompileMessage() without instructions should fail")
	}
}

func TestTransaction_SignAndSerialize(t *testing.T) {
	key, payer := testKey(3)
	ix := program.Submit(pool.Pubkey{0xaa}, payer, pool.Pubkey{1}, pool.Pubkey{2}, pool.Pubkey{3}, program.SubmitArgs{BatchBump: 5})

	msg, err := CompileMessage(payer, [32]byte{4}, ix)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := SignTransaction(msg, key)
	if err != nil {
		t.Fatal(err)
	}

	raw := tx.Serialize()
	if raw[0] != 1 {
		t.Fatalf("signature count = %d, want 1", raw[0])
	}
	body := raw[1+64:]
	if !bytes.Equal(body, msg.Serialize()) {
		t.Error("serialized transaction does not embed the message")
	}
	if !ed25519.Verify(key.Public().(ed25519.PublicKey), body, raw[1:65]) {
		t.Error("signature does not verify over the message")
	}
	if tx.Signature() != tx.Signatures[0] {
		t.Error("Signature() should be the payer's signature")
	}

	// header(3) + keys + blockhash + ix count + program index + account count
	// + accounts + data length + data
	n := len(msg.AccountKeys)
	want := 3 + 1 + n*32 + 32 + 1 + 1 + 1 + len(ix.Accounts) + 1 + len(ix.Data)
	if len(body) != want {
		t.Errorf("len(message) = %d, want %d", len(body), want)
	}
}

func TestSignTransaction_SignerMismatch(t *testing.T) {
	_, payer := testKey(1)
	other, _ := testKey(2)
	msg, _ := CompileMessage(payer, [32]byte{}, program.Initialize(pool.Pubkey{9}, program.InitializeAccounts{Operator: payer}, program.InitializeArgs{}))

	if _, err := SignTransaction(msg, other); err == nil {
		t.Error("SignTransaction() with the wrong key should fail")
	}
	if _, err := SignTransaction(msg); err == nil {
		t.Error("SignTransaction() without signers should fail")
	}
}
