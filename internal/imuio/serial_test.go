package imuio

import "testing"

func TestCRC16DetectsCorruption(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	good := crc16(payload)

	corrupted := append([]byte(nil), payload...)
	corrupted[3] ^= 0xFF
	bad := crc16(corrupted)

	if good == bad {
		t.Fatal("crc16 did not change after corrupting a payload byte")
	}
}

func TestCRC16IsDeterministic(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if crc16(payload) != crc16(payload) {
		t.Fatal("crc16 is not deterministic for identical input")
	}
}

func TestDecodePayloadRejectsShortFrame(t *testing.T) {
	_, err := decodePayload([]byte{1, 2, 3}, 0)
	if err == nil {
		t.Fatal("decodePayload should reject a payload shorter than the fixed header")
	}
}
