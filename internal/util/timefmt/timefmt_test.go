package timefmt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormat(t *testing.T) {
	in := time.Date(2026, 3, 14, 15, 9, 26, 535_000_000, time.UTC)
	assert.Equal(t, "2026-03-14T15:09:26.535Z", Format(in))
}

func TestFormatConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	in := time.Date(2026, 3, 14, 17, 9, 26, 0, loc)
	assert.Equal(t, "2026-03-14T15:09:26.000Z", Format(in))
}

func TestParseRoundTrip(t *testing.T) {
	in := time.Date(2026, 3, 14, 15, 9, 26, 535_000_000, time.UTC)
	assert.Equal(t, in, Parse(Format(in)))
}

func TestParseMalformed(t *testing.T) {
	assert.True(t, Parse("not-a-time").IsZero())
	assert.True(t, Parse("").IsZero())
}
