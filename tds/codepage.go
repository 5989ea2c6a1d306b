package tds

import (
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// utf16LE is the shared UTF-16LE codec for all wire strings (login fields,
// token names, NVARCHAR/NCHAR values): encoding.Unicode bytes are always
// little-endian on the wire and never carry a BOM.
var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func encodeUTF16(s string) []byte {
	b, _ := utf16LE.NewEncoder().Bytes([]byte(s))
	return b
}

func decodeUTF16(b []byte) string {
	out, err := utf16LE.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// sortIDCodepage maps the legacy single-byte sort_id (Collation.SortID) to
// the codepage used to decode non-Unicode CHAR/VARCHAR/TEXT data. Sort id 0
// means "derive the codepage from the LCID instead" (lcidCodepage).
var sortIDCodepage = map[uint8]encoding.Encoding{
	30:  charmap.CodePage437,
	31:  charmap.CodePage437,
	32:  charmap.CodePage437,
	33:  charmap.CodePage437,
	34:  charmap.CodePage437,
	40:  charmap.Windows1250,
	41:  charmap.Windows1250,
	42:  charmap.Windows1250,
	50:  charmap.Windows1252,
	51:  charmap.Windows1252,
	52:  charmap.Windows1252,
	53:  charmap.Windows1252,
	54:  charmap.Windows1252,
	55:  charmap.Windows1252,
	56:  charmap.Windows1252,
	60:  charmap.Windows1252,
	80:  charmap.Windows1250,
	104: charmap.Windows1251,
	105: charmap.Windows1251,
	106: charmap.Windows1251,
	113: charmap.Windows1253,
	114: charmap.Windows1253,
	120: charmap.Windows1254,
	121: charmap.Windows1254,
	124: charmap.Windows1255,
	125: charmap.Windows1255,
	128: charmap.Windows1256,
	129: charmap.Windows1256,
	136: charmap.Windows1257,
	137: charmap.Windows1257,
	138: charmap.Windows1257,
}

// lcidCodepage maps a subset of common Windows LCIDs to the codepage SQL
// Server uses for the corresponding default non-Unicode collation.
var lcidCodepage = map[uint32]encoding.Encoding{
	0x0409: charmap.Windows1252, // en-US
	0x0809: charmap.Windows1252, // en-GB
	0x0407: charmap.Windows1252, // de-DE
	0x040C: charmap.Windows1252, // fr-FR
	0x0410: charmap.Windows1252, // it-IT
	0x040A: charmap.Windows1252, // es-ES
	0x0419: charmap.Windows1251, // ru-RU
	0x0408: charmap.Windows1253, // el-GR
	0x041F: charmap.Windows1254, // tr-TR
	0x040D: charmap.Windows1255, // he-IL
	0x0401: charmap.Windows1256, // ar-SA
	0x0415: charmap.Windows1250, // pl-PL
	0x0405: charmap.Windows1250, // cs-CZ
	0x040E: charmap.Windows1250, // hu-HU
}

// codepageFor resolves the byte encoding to use for a non-UTF8 collation.
func codepageFor(c Collation) encoding.Encoding {
	if enc, ok := sortIDCodepage[c.SortID()]; ok {
		return enc
	}
	if enc, ok := lcidCodepage[c.LCID()]; ok {
		return enc
	}
	return charmap.Windows1252
}

// decodeCollatedString decodes non-Unicode CHAR/VARCHAR/TEXT bytes per the
// column's collation, using UTF-8 directly when the collation's utf8 bit is
// set (TDS 7.4+ UTF8_SUPPORT feature).
func decodeCollatedString(b []byte, c Collation) string {
	if c.UTF8() {
		return string(b)
	}
	enc := codepageFor(c)
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// encodeCollatedString is the inverse of decodeCollatedString, used when
// building RPC/bulkcopy parameter values for non-Unicode columns.
func encodeCollatedString(s string, c Collation) []byte {
	if c.UTF8() {
		return []byte(s)
	}
	enc := codepageFor(c)
	out, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return []byte(s)
	}
	return out
}
