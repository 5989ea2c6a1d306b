package tds

import "encoding/binary"

// Login7 option flags, kept at the same bit positions as the wire format
// documents.
const (
	// OptionFlags1
	FlagByteOrder uint8 = 0x01 // Byte order (0=little endian)
	FlagChar      uint8 = 0x02 // Character set (0=ASCII)
	FlagFloat     uint8 = 0x0C // Float representation
	FlagDumpLoad  uint8 = 0x10 // Dump/load off
	FlagUseDB     uint8 = 0x20 // USE DATABASE in login
	FlagDatabase  uint8 = 0x40 // Initial database fatal
	FlagSetLang   uint8 = 0x80 // SET LANGUAGE in login

	// OptionFlags2
	FlagLanguage      uint8 = 0x01 // Language fatal
	FlagODBC          uint8 = 0x02 // ODBC driver
	FlagTransBoundary uint8 = 0x04 // Transaction boundary
	FlagCacheConnect  uint8 = 0x08 // Cache connect
	FlagUserType      uint8 = 0x70 // User type
	FlagIntSecurity   uint8 = 0x80 // Integrated security (SSPI)

	// OptionFlags3
	FlagChangePassword   uint8 = 0x01 // Change password
	FlagBinaryXML        uint8 = 0x02 // Send Yukon binary XML
	FlagUserInstance     uint8 = 0x04 // User instance
	FlagUnknownCollation uint8 = 0x08 // Unknown collation handling
	FlagExtension        uint8 = 0x10 // Feature extension

	// TypeFlags
	FlagSQLType        uint8 = 0x0F // SQL type (4 bits)
	FlagOLEDB          uint8 = 0x10 // OLE DB
	FlagReadOnlyIntent uint8 = 0x20 // Read-only intent
)

// Login7HeaderSize is the fixed size of the LOGIN7 header.
const Login7HeaderSize = 94

// Feature extension ids trailing LOGIN7.
const (
	FeatureExtUTF8Support uint8 = 0x0A
	FeatureExtTerminator  uint8 = 0xFF
)

// LoginRequest holds everything needed to build a LOGIN7 packet.
type LoginRequest struct {
	HostName       string
	UserName       string
	Password       string
	AppName        string
	ServerName     string
	CtlIntName     string // client interface library name, e.g. "tdsgo"
	Language       string
	Database       string
	AtchDBFile     string
	ChangePassword string

	PacketSize    uint32
	ClientPID     uint32
	ConnectionID  uint32
	ClientLCID    uint32
	ReadOnlyIntent bool
	UseUTF8       bool

	// SSPI carries an initial SSPI token for integrated authentication;
	// when non-empty IsIntegratedAuth semantics apply and UserName/
	// Password are ignored.
	SSPI []byte
}

// mangle applies the LOGIN7 password obfuscation: swap nibbles, then XOR
// with 0xA5. The transform is not its own inverse (undoing it takes the
// XOR first, then the swap); only this encoding direction is implemented.
func mangle(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		swapped := (c >> 4) | (c << 4)
		out[i] = swapped ^ 0xA5
	}
	return out
}

// featureExtBlock builds the feature-extension block trailing the
// variable-length fields: a stream of {feature u8, len u32, bytes[len]}
// terminated by 0xFF.
func featureExtBlock(useUTF8 bool) []byte {
	if !useUTF8 {
		return []byte{FeatureExtTerminator}
	}
	buf := make([]byte, 0, 6)
	buf = append(buf, FeatureExtUTF8Support)
	buf = binary.LittleEndian.AppendUint32(buf, 1)
	buf = append(buf, 1) // enabled
	buf = append(buf, FeatureExtTerminator)
	return buf
}

// EncodeLogin7 builds a complete LOGIN7 packet body: fixed header,
// trailing variable-length fields in the conventional order, and a
// feature-extension block.
func EncodeLogin7(req LoginRequest) []byte {
	hostName := encodeUTF16(req.HostName)
	userName := encodeUTF16(req.UserName)
	password := mangle(encodeUTF16(req.Password))
	appName := encodeUTF16(req.AppName)
	serverName := encodeUTF16(req.ServerName)
	ctlIntName := encodeUTF16(req.CtlIntName)
	language := encodeUTF16(req.Language)
	database := encodeUTF16(req.Database)
	atchDBFile := encodeUTF16(req.AtchDBFile)
	changePassword := mangle(encodeUTF16(req.ChangePassword))
	feature := featureExtBlock(req.UseUTF8)

	offset := uint16(Login7HeaderSize)
	fields := [][]byte{hostName, userName, password, appName, serverName, ctlIntName, language, database}
	offsets := make([]uint16, len(fields))
	for i, f := range fields {
		offsets[i] = offset
		offset += uint16(len(f))
	}
	hostNameOff, userNameOff, passwordOff, appNameOff, serverNameOff := offsets[0], offsets[1], offsets[2], offsets[3], offsets[4]
	ctlIntNameOff, languageOff, databaseOff := offsets[5], offsets[6], offsets[7]

	// The extension offset field points at a 4-byte DWORD that itself
	// holds the real offset of the feature-extension bytes (the classic
	// LOGIN7 double indirection), rather than pointing at the bytes
	// directly like every other variable field.
	extensionOff := offset
	offset += 4
	featureOff := offset
	offset += uint16(len(feature))

	sspiOff := offset
	sspiLen := len(req.SSPI)
	offset += uint16(sspiLen)

	atchDBFileOff := offset
	offset += uint16(len(atchDBFile))

	changePasswordOff := offset
	offset += uint16(len(changePassword))

	total := int(offset)
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], VerTDS74)
	binary.LittleEndian.PutUint32(buf[8:12], req.PacketSize)
	binary.LittleEndian.PutUint32(buf[12:16], 0x07000000) // ClientProgVer
	binary.LittleEndian.PutUint32(buf[16:20], req.ClientPID)
	binary.LittleEndian.PutUint32(buf[20:24], req.ConnectionID)

	optFlags1 := FlagUseDB | FlagDatabase | FlagSetLang
	optFlags2 := uint8(0)
	if len(req.SSPI) > 0 {
		optFlags2 |= FlagIntSecurity
	}
	optFlags3 := FlagExtension
	if req.ChangePassword != "" {
		optFlags3 |= FlagChangePassword
	}
	typeFlags := uint8(0)
	if req.ReadOnlyIntent {
		typeFlags |= FlagReadOnlyIntent
	}

	buf[24] = optFlags1
	buf[25] = optFlags2
	buf[26] = typeFlags
	buf[27] = optFlags3
	binary.LittleEndian.PutUint32(buf[28:32], 0) // ClientTimeZone
	binary.LittleEndian.PutUint32(buf[32:36], req.ClientLCID)

	putOffLen := func(pos int, off uint16, data []byte) {
		binary.LittleEndian.PutUint16(buf[pos:pos+2], off)
		binary.LittleEndian.PutUint16(buf[pos+2:pos+4], uint16(len(data)/2))
	}
	putOffLen(36, hostNameOff, hostName)
	putOffLen(40, userNameOff, userName)
	putOffLen(44, passwordOff, password)
	putOffLen(48, appNameOff, appName)
	putOffLen(52, serverNameOff, serverName)
	binary.LittleEndian.PutUint16(buf[56:58], extensionOff)
	binary.LittleEndian.PutUint16(buf[58:60], 4)
	putOffLen(60, ctlIntNameOff, ctlIntName)
	putOffLen(64, languageOff, language)
	putOffLen(68, databaseOff, database)
	// ClientID (72:78) left zero; we are not impersonating a NIC MAC.
	binary.LittleEndian.PutUint16(buf[78:80], sspiOff)
	binary.LittleEndian.PutUint16(buf[80:82], uint16(sspiLen))
	putOffLen(82, atchDBFileOff, atchDBFile)
	binary.LittleEndian.PutUint16(buf[86:88], changePasswordOff)
	binary.LittleEndian.PutUint16(buf[88:90], uint16(len(changePassword)/2))
	binary.LittleEndian.PutUint32(buf[90:94], 0) // SSPILongLength unused, length fits in 16 bits

	pos := Login7HeaderSize
	for _, f := range fields {
		pos += copy(buf[pos:], f)
	}
	binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(featureOff))
	pos += 4
	pos += copy(buf[pos:], feature)
	pos += copy(buf[pos:], req.SSPI)
	pos += copy(buf[pos:], atchDBFile)
	copy(buf[pos:], changePassword)

	return buf
}
