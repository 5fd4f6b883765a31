// bar.go renders a day of capture coverage as one line of text. The day is
// split into 60 characters of 24 minutes, and each character into 8 bits of 3
// minutes. A bit is set if most of its 3 minutes was captured. Each character
// is drawn as whichever block glyph in 'blockMask' is bitwise closest to its
// bits, and characters that overlap a gap in coverage are drawn in 'gapColor'
// so that short gaps stay visible.

package main

import (
	"bytes"
	"time"

	"github.com/msteffen/capsup/client"
	"github.com/msteffen/capsup/pkg/timecmp"
)

const (
	resetAll       = "0"
	invertColors   = "7"
	uninvertColors = "27"
	boldText       = "1"

	// SGR codes for setting the foreground or background to an 8-bit color
	setFGColor = "38;5"
	setBGColor = "48;5"

	markColor     = "247" // light gray; background of 6-hour marks
	barColor      = "34"  // green
	barDarkColor  = "28"
	gapColor      = "196" // red
	gapDarkColor  = "124"
	charsPerBar   = 60
	bitsPerChar   = 8
	bitDuration   = 3 * time.Minute
	markEveryChar = 15 // 6 hours
)

// The unicode block characters run from a full box (0x2588) down to a left
// eighth box (0x258f): █ ▉ ▊ ▋ ▌ ▍ ▎ ▏
const fullBlock = 0x2588

const lightVerticalLine = 0x2502 // [│], about 1/8
const thickVerticalLine = 0x2503 // [┃], about 3/8

// blockMask lists the bit patterns that have a glyph. The index of a pattern
// determines its glyph (see barBuf.put)
var blockMask = [...]byte{
	// 0 - off, 1 - full
	0x00, 0xff,
	// [2-8] left boxes
	0xfe, 0xfc, 0xf8, 0xf0, 0xe0, 0xc0, 0x80,
	// [9-15] right boxes
	0x7f, 0x3f, 0x1f, 0x0f, 0x07, 0x03, 0x01,
	// [16-26] thin vertical line
	0x40, 0x20, 0x10, 0x08, 0x04, 0x02, 0x60, 0x30, 0x18, 0x0c, 0x06,
	// [27-37] inverted thin vertical line
	0xbf, 0xdf, 0xef, 0xf7, 0xfb, 0xfd, 0x9f, 0xcf, 0xe7, 0xf3, 0xf9,
	// [38-47] thick vertical line
	0x70, 0x78, 0x7c, 0x7e, 0x38, 0x3c, 0x3e, 0x1c, 0x1e, 0x0e,
	// [48-57] inverted thick vertical line
	0x8f, 0x87, 0x83, 0x81, 0xc7, 0xc3, 0xc1, 0xe3, 0xe1, 0xf1,
}

// numBits counts the number of ones in 'c'
func numBits(c byte) byte {
	for i, m := range []byte{0x55, 0x33, 0x0f} {
		var p byte = 1 << byte(i)
		c = ((c >> p) & m) + (c & m)
	}
	return c
}

// closestGlyph returns the index in blockMask of the pattern nearest 'bits'
func closestGlyph(bits byte) int {
	best, bestCount := 0, byte(bitsPerChar+1)
	for i, m := range blockMask {
		if diff := numBits(m ^ bits); diff < bestCount {
			best, bestCount = i, diff
			if diff == 0 {
				break
			}
		}
	}
	return best
}

// sgr takes the ANSI SGR codes in "codes" and wraps them in an SGR escape
// sequence (yielding "\x1b[...m")
func sgr(codes ...string) []byte {
	var b bytes.Buffer
	b.WriteString("\x1b[")
	for i, s := range codes {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(s)
	}
	b.WriteByte('m')
	return b.Bytes()
}

type barBuf struct {
	buf bytes.Buffer

	// number of glyphs written
	size int

	// terminal state set by escapes already in 'buf'
	inverted bool
	gap      bool
	onMark   bool
}

func newBarBuf() *barBuf {
	b := &barBuf{}
	b.buf.WriteByte('[')
	b.buf.Write(sgr(setFGColor, barColor))
	return b
}

func (b *barBuf) writeInverted(r rune) {
	if !b.inverted {
		b.buf.Write(sgr(invertColors))
		b.inverted = true
	}
	b.buf.WriteRune(r)
}

func (b *barBuf) writeNormal(r rune) {
	if b.inverted {
		b.buf.Write(sgr(uninvertColors))
		b.inverted = false
	}
	b.buf.WriteRune(r)
}

func (b *barBuf) finish() string {
	b.buf.Write(sgr(resetAll))
	b.buf.WriteByte(']')
	return b.buf.String()
}

// put writes the glyph for blockMask[i]. 'gap' selects the gap color
func (b *barBuf) put(i int, gap bool) {
	onMark := b.size > 0 && b.size%markEveryChar == 0
	markChanged := onMark != b.onMark
	if markChanged {
		if onMark {
			b.buf.Write(sgr(setBGColor, markColor))
		} else {
			b.buf.Write(sgr(resetAll))
			b.inverted = false
		}
		b.onMark = onMark
	}
	if markChanged || gap != b.gap {
		switch {
		case b.onMark && gap:
			b.buf.Write(sgr(setFGColor, gapDarkColor))
		case b.onMark:
			b.buf.Write(sgr(setFGColor, barDarkColor))
		case gap:
			b.buf.Write(sgr(setFGColor, gapColor))
		default:
			b.buf.Write(sgr(setFGColor, barColor))
		}
		b.gap = gap
	}

	switch {
	case i == 0:
		b.writeInverted(fullBlock)
	case i == 1:
		b.writeNormal(fullBlock)
	case i <= 8:
		b.writeNormal(fullBlock + rune(i) - 1)
	case i <= 15:
		b.writeInverted(fullBlock + 16 - rune(i))
	case i <= 26:
		b.writeNormal(lightVerticalLine)
	case i <= 37:
		b.writeInverted(lightVerticalLine)
	case i <= 47:
		b.writeNormal(thickVerticalLine)
	case i <= 57:
		b.writeInverted(thickVerticalLine)
	}
	b.size++
}

// overlap returns how much of [l, r) is covered by 'intervals', which must be
// sorted. 'n' is the index to start searching from; the index of the first
// interval that may overlap later windows is returned with the total
func overlap(l, r time.Time, intervals []client.Interval, n int) (time.Duration, int) {
	var total time.Duration
	for ; n < len(intervals); n++ {
		il, ir := time.Unix(intervals[n].Start, 0), time.Unix(intervals[n].End, 0)
		if !il.Before(r) {
			break
		}
		total += timecmp.Overlap(l, r, il, ir)
		if ir.After(r) {
			break // intervals[n] overlaps the next window too
		}
	}
	return total, n
}

// Bar renders the day starting at 'from'. 'covered' and 'gaps' must be sorted
// by start time
func Bar(from time.Time, covered, gaps []client.Interval) string {
	var (
		buf    = newBarBuf()
		cn, gn int
		bits   byte
		gap    bool
	)
	for i := 0; i < charsPerBar*bitsPerChar; i++ {
		l := from.Add(time.Duration(i) * bitDuration)
		r := l.Add(bitDuration)

		var d, g time.Duration
		d, cn = overlap(l, r, covered, cn)
		g, gn = overlap(l, r, gaps, gn)
		if d > bitDuration/2 {
			bits |= 1 << byte(bitsPerChar-1-(i%bitsPerChar))
		}
		if g > 0 {
			gap = true
		}

		if i%bitsPerChar == bitsPerChar-1 {
			buf.put(closestGlyph(bits), gap)
			bits, gap = 0, false
		}
	}
	return buf.finish()
}
