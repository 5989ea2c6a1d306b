package tds

import "testing"

func TestDateRoundtrip(t *testing.T) {
	tests := []Date{
		{Year: 2021, Month: 7, Day: 2},
		{Year: 1, Month: 1, Day: 1},
		{Year: 9999, Month: 12, Day: 31},
	}
	for _, d := range tests {
		got := decodeDate(encodeDate(d))
		if got != d {
			t.Errorf("roundtrip(%+v) = %+v", d, got)
		}
	}
}

func TestTimeRoundtripAtEachScale(t *testing.T) {
	for scale := uint8(0); scale <= 7; scale++ {
		nanosPerUnit := int64(1)
		for i := uint8(0); i < 9-scale; i++ {
			nanosPerUnit *= 10
		}
		// A value built from whole units at this scale, so encode/decode
		// can't lose precision to truncation.
		units := int64(10*3600+5*60+34) * (1_000_000_000 / nanosPerUnit)
		want := Time{Nanoseconds: units * nanosPerUnit, Scale: scale}

		got := decodeTime(encodeTime(want), scale)
		if got != want {
			t.Errorf("scale %d: roundtrip(%+v) = %+v", scale, want, got)
		}
	}
}

func TestDateTime2Roundtrip(t *testing.T) {
	dt := DateTime2{
		Date: Date{Year: 2021, Month: 7, Day: 2},
		Time: Time{Nanoseconds: 10*3600*1_000_000_000 + 5*60*1_000_000_000, Scale: 7},
	}
	got := decodeDateTime2(encodeDateTime2(dt), 7)
	if got != dt {
		t.Errorf("roundtrip = %+v, want %+v", got, dt)
	}
}

// TestDateTimeOffsetRoundtrip covers the wire half of scenario 6 from the
// testable-properties list: the value 2021-07-02 10:05:34.1234567 +03:30
// (offset +210 minutes), built directly as a DateTimeOffset, encodes at
// scale 7 and decodes back unchanged. No text parsing is involved.
func TestDateTimeOffsetRoundtrip(t *testing.T) {
	dto := DateTimeOffset{
		DateTime2: DateTime2{
			Date: Date{Year: 2021, Month: 7, Day: 2},
			Time: Time{
				Nanoseconds: 10*3600*1_000_000_000 + 5*60*1_000_000_000 + 34*1_000_000_000 + 123456700,
				Scale:       7,
			},
		},
		OffsetMinutes: 210,
	}

	wire := encodeDateTimeOffset(dto)
	got := decodeDateTimeOffset(wire, 7)
	if got != dto {
		t.Errorf("roundtrip = %+v, want %+v", got, dto)
	}
	if got.OffsetMinutes != 210 {
		t.Errorf("offset = %d, want 210", got.OffsetMinutes)
	}
}

func TestLegacyDateTimeRoundtrip(t *testing.T) {
	dt := DateTime{Days: 44380, Ticks: 12345}
	wire := encodeDateTimeLegacy(dt)
	v, err := decodeDateTimeLegacyBytes(TypeDateTime, wire)
	if err != nil {
		t.Fatalf("decodeDateTimeLegacyBytes: %v", err)
	}
	got, ok := v.Time().(DateTime)
	if !ok {
		t.Fatalf("decoded value is %T, want DateTime", v.Time())
	}
	if got != dt {
		t.Errorf("roundtrip = %+v, want %+v", got, dt)
	}
}

func TestSmallDateTimeRoundtrip(t *testing.T) {
	dt := SmallDateTime{Days: 44380, Minutes: 600}
	wire := encodeSmallDateTime(dt)
	v, err := decodeDateTimeLegacyBytes(TypeDateTime4, wire)
	if err != nil {
		t.Fatalf("decodeDateTimeLegacyBytes: %v", err)
	}
	got, ok := v.Time().(SmallDateTime)
	if !ok {
		t.Fatalf("decoded value is %T, want SmallDateTime", v.Time())
	}
	if got != dt {
		t.Errorf("roundtrip = %+v, want %+v", got, dt)
	}
}

func TestTimeByteLenTable(t *testing.T) {
	tests := []struct {
		scale uint8
		want  int
	}{
		{0, 3}, {1, 3}, {2, 3},
		{3, 4}, {4, 4},
		{5, 5}, {6, 5}, {7, 5},
	}
	for _, tt := range tests {
		if got := timeByteLen(tt.scale); got != tt.want {
			t.Errorf("timeByteLen(%d) = %d, want %d", tt.scale, got, tt.want)
		}
	}
}
