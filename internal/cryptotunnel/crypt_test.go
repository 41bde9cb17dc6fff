package cryptotunnel

import (
	"bytes"
	"testing"
)

func testCrypts(t *testing.T) (client, server *Crypt) {
	t.Helper()
	secret := fixedBytes(SharedSecretLength, 0x11)
	ticket := fixedBytes(TicketLength, 0x22)

	clientKM, err := Derive(secret, ticket, true)
	if err != nil {
		t.Fatalf("Derive returned error: %v", err)
	}
	serverKM, err := Derive(secret, ticket, false)
	if err != nil {
		t.Fatalf("Derive returned error: %v", err)
	}

	client, err = NewCrypt(clientKM.SendKey, clientKM.ReceiveKey)
	if err != nil {
		t.Fatalf("NewCrypt returned error: %v", err)
	}
	server, err = NewCrypt(serverKM.SendKey, serverKM.ReceiveKey)
	if err != nil {
		t.Fatalf("NewCrypt returned error: %v", err)
	}
	return client, server
}

func TestCrypt_EncryptDecrypt_RoundTrip(t *testing.T) {
	client, server := testCrypts(t)

	ciphertext, seq := client.Encrypt(7, []byte("hello channel"))
	channelID, plaintext, stale, err := server.Decrypt(seq, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt returned error: %v", err)
	}
	if stale {
		t.Fatal("fresh record reported as stale")
	}
	if channelID != 7 {
		t.Errorf("channelID = %d, want 7", channelID)
	}
	if !bytes.Equal(plaintext, []byte("hello channel")) {
		t.Errorf("plaintext = %q, want %q", plaintext, "hello channel")
	}
}

func TestCrypt_SequenceIsMonotone(t *testing.T) {
	client, _ := testCrypts(t)

	_, seq0 := client.Encrypt(1, []byte("a"))
	_, seq1 := client.Encrypt(1, []byte("b"))
	_, seq2 := client.Encrypt(1, []byte("c"))

	if seq0 != 1 || seq1 != 2 || seq2 != 3 {
		t.Errorf("sequence numbers = %d, %d, %d, want 1, 2, 3", seq0, seq1, seq2)
	}
}

func TestCrypt_CiphertextDiffersEvenForSamePlaintext(t *testing.T) {
	client, _ := testCrypts(t)

	a, _ := client.Encrypt(1, []byte("same"))
	b, _ := client.Encrypt(1, []byte("same"))

	if bytes.Equal(a, b) {
		t.Error("ciphertext must differ across sequence numbers even for identical plaintext")
	}
}

func TestCrypt_StaleSequenceIsNoop(t *testing.T) {
	client, server := testCrypts(t)

	ciphertext0, seq0 := client.Encrypt(1, []byte("first"))
	ciphertext1, seq1 := client.Encrypt(1, []byte("second"))

	if _, _, stale, err := server.Decrypt(seq0, ciphertext0); err != nil || stale {
		t.Fatalf("first decrypt: stale=%v err=%v", stale, err)
	}
	if _, _, stale, err := server.Decrypt(seq1, ciphertext1); err != nil || stale {
		t.Fatalf("second decrypt: stale=%v err=%v", stale, err)
	}

	// Replaying the first record (as happens on connection recovery) must
	// be a silent no-op, not an error.
	channelID, plaintext, stale, err := server.Decrypt(seq0, ciphertext0)
	if err != nil {
		t.Fatalf("replay decrypt returned error: %v", err)
	}
	if !stale {
		t.Fatal("replayed record should be reported as stale")
	}
	if channelID != 0 || plaintext != nil {
		t.Errorf("stale decrypt should yield zero values, got channelID=%d plaintext=%q", channelID, plaintext)
	}
}

func TestCrypt_TamperedCiphertextFails(t *testing.T) {
	client, server := testCrypts(t)

	ciphertext, seq := client.Encrypt(1, []byte("payload"))
	ciphertext[0] ^= 0xFF

	if _, _, _, err := server.Decrypt(seq, ciphertext); err == nil {
		t.Fatal("expected authentication failure for tampered ciphertext")
	}
}

func TestCrypt_WrongKeyFails(t *testing.T) {
	client, _ := testCrypts(t)
	_, otherServer := testCryptsWithSecret(t, 0x99)

	ciphertext, seq := client.Encrypt(1, []byte("payload"))
	if _, _, _, err := otherServer.Decrypt(seq, ciphertext); err == nil {
		t.Fatal("expected decrypt to fail under the wrong key")
	}
}

func testCryptsWithSecret(t *testing.T, secretByte byte) (client, server *Crypt) {
	t.Helper()
	secret := fixedBytes(SharedSecretLength, secretByte)
	ticket := fixedBytes(TicketLength, 0x22)

	clientKM, err := Derive(secret, ticket, true)
	if err != nil {
		t.Fatalf("Derive returned error: %v", err)
	}
	serverKM, err := Derive(secret, ticket, false)
	if err != nil {
		t.Fatalf("Derive returned error: %v", err)
	}

	client, err = NewCrypt(clientKM.SendKey, clientKM.ReceiveKey)
	if err != nil {
		t.Fatalf("NewCrypt returned error: %v", err)
	}
	server, err = NewCrypt(serverKM.SendKey, serverKM.ReceiveKey)
	if err != nil {
		t.Fatalf("NewCrypt returned error: %v", err)
	}
	return client, server
}

func TestCrypt_TooShortCiphertextFails(t *testing.T) {
	_, server := testCrypts(t)
	if _, _, _, err := server.Decrypt(0, []byte("short")); err == nil {
		t.Fatal("expected error for too-short ciphertext")
	}
}
