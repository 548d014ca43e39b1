package ump

// BLE-MIDI attribute value framing: the first byte is a header carrying the
// high timestamp bits, every message start is preceded by a low-timestamp
// byte, and MIDI 1.0 running status is allowed between them. DecodeBleStream
// reconstructs the canonical byte stream with every status byte explicit, so
// FromMidi1 can pack it without carrying decoder state.

const bleHeaderBit = 0x80

// DecodeBleStream decodes one BLE attribute value into canonical MIDI 1.0
// bytes. Returns nil when the value is too short to carry a message.
func DecodeBleStream(value []byte) []byte {
	if len(value) < 3 {
		return nil
	}
	out := make([]byte, 0, len(value))
	var running byte

	i := 1 // skip the header timestamp byte
	for i < len(value) {
		b := value[i]
		if b&bleHeaderBit != 0 {
			// Timestamp byte; a status or realtime byte follows.
			i++
			if i >= len(value) {
				break
			}
			b = value[i]
			if b&bleHeaderBit != 0 {
				// Full status byte.
				if b < 0xF8 && b >= 0xF0 {
					// System common cancels running status.
					running = 0
				} else if b < 0xF0 {
					running = b
				}
				out = append(out, b)
				i++
				n := messageDataLen(b)
				for j := 0; j < n && i < len(value) && value[i]&bleHeaderBit == 0; j++ {
					out = append(out, value[i])
					i++
				}
				continue
			}
			// Timestamp followed by data: running status message.
		}
		// Data byte without explicit status: running status.
		if running == 0 {
			i++
			continue
		}
		out = append(out, running)
		n := messageDataLen(running)
		for j := 0; j < n && i < len(value) && value[i]&bleHeaderBit == 0; j++ {
			out = append(out, value[i])
			i++
		}
	}
	return out
}

// messageDataLen is the data byte count following a status byte.
func messageDataLen(status byte) int {
	if status >= 0xF0 {
		n := midi1SystemLen(status)
		if n == 0 {
			return 0
		}
		return n - 1
	}
	return midi1VoiceLen(status) - 1
}

// EncodeBleStream frames canonical MIDI 1.0 bytes into one BLE attribute
// value: header byte, then a timestamp byte before every status byte. The
// header carries bits 7-12 of tsMillis and each timestamp byte its low 7 bits.
func EncodeBleStream(stream []byte, tsMillis int64) []byte {
	if len(stream) == 0 {
		return nil
	}
	header := byte(bleHeaderBit | ((tsMillis >> 7) & 0x3F))
	low := byte(bleHeaderBit | (tsMillis & 0x7F))
	out := make([]byte, 0, len(stream)+len(stream)/2+2)
	out = append(out, header)
	for i := 0; i < len(stream); i++ {
		if stream[i]&bleHeaderBit != 0 {
			out = append(out, low)
		}
		out = append(out, stream[i])
	}
	return out
}
