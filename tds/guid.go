package tds

import "fmt"

// formatGUID renders a 16-byte UNIQUEIDENTIFIER in its mixed-endian wire
// form as the standard hyphenated string. The first three fields are
// little-endian on the wire; the last two are big-endian, matching how SQL
// Server lays out a GUID on disk and on the wire alike.
func formatGUID(b []byte) string {
	if len(b) != 16 {
		return fmt.Sprintf("%x", b)
	}
	return fmt.Sprintf("%02X%02X%02X%02X-%02X%02X-%02X%02X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		b[3], b[2], b[1], b[0],
		b[5], b[4],
		b[7], b[6],
		b[8], b[9],
		b[10], b[11], b[12], b[13], b[14], b[15])
}
