package tds

import "encoding/binary"

// Collation is the packed 5-byte (40-bit) collation descriptor attached to
// CHAR/VARCHAR/TEXT column metadata: {lcid:20, flags:8, version:4, sortID:8}.
type Collation struct {
	raw [5]byte
}

// parseCollation reads a 5-byte collation block.
func parseCollation(b []byte) Collation {
	var c Collation
	copy(c.raw[:], b)
	return c
}

func (c Collation) Bytes() []byte { return c.raw[:] }

func (c Collation) packed32() uint32 {
	return binary.LittleEndian.Uint32(c.raw[0:4])
}

// LCID is the 20-bit locale id.
func (c Collation) LCID() uint32 { return c.packed32() & 0x000FFFFF }

func (c Collation) flagBits() uint32 { return (c.packed32() >> 20) & 0xFF }

func (c Collation) IgnoreCase() bool   { return c.flagBits()&0x01 != 0 }
func (c Collation) IgnoreAccent() bool { return c.flagBits()&0x02 != 0 }
func (c Collation) IgnoreKana() bool   { return c.flagBits()&0x04 != 0 }
func (c Collation) IgnoreWidth() bool  { return c.flagBits()&0x08 != 0 }
func (c Collation) Binary() bool       { return c.flagBits()&0x10 != 0 }
func (c Collation) Binary2() bool      { return c.flagBits()&0x20 != 0 }
func (c Collation) UTF8() bool         { return c.flagBits()&0x40 != 0 }

// Version is the 4-bit collation version nibble.
func (c Collation) Version() uint8 { return (c.raw[3] >> 4) & 0x0F }

// SortID is the legacy 8-bit sort order id (non-zero only for pre-Windows-
// locale collations).
func (c Collation) SortID() uint8 { return c.raw[4] }

// DefaultCollation is Latin1_General_CI_AS, the common SQL Server default.
var DefaultCollation = parseCollation([]byte{0x09, 0x04, 0xD0, 0x00, 0x34})
