package dock

import "encoding/binary"

// Newton Streamed Object Format, just enough of it to describe the desktop
// applications in dinf: frames, plain arrays, symbols, strings, integers and
// true.

const nsofVersion = 0x02

const (
	tagImmediate  = 0x00
	tagPlainArray = 0x05
	tagFrame      = 0x06
	tagSymbol     = 0x07
	tagString     = 0x08
)

const refTrue = 0x1A

type nsofSlot struct {
	key   string
	value any // int, bool, string or []nsofFrame
}

type nsofFrame []nsofSlot

// DesktopApp is one entry of the applications list a desktop announces.
type DesktopApp struct {
	Name     string
	ID       int
	Version  int
	DoesAuto bool
}

// DefaultApps announces a connection utility that supports automatic dock.
func DefaultApps(name string) []DesktopApp {
	return []DesktopApp{{Name: name, ID: 2, Version: 1, DoesAuto: true}}
}

// encodeDesktopApps streams apps as an NSOF plain array of frames.
func encodeDesktopApps(apps []DesktopApp) []byte {
	frames := make([]nsofFrame, 0, len(apps))
	for _, a := range apps {
		frames = append(frames, nsofFrame{
			{"name", a.Name},
			{"id", a.ID},
			{"version", a.Version},
			{"doesAuto", a.DoesAuto},
		})
	}
	return nsofAppend([]byte{nsofVersion}, frames)
}

func nsofAppend(dst []byte, v any) []byte {
	switch v := v.(type) {
	case int:
		return appendXLong(append(dst, tagImmediate), int32(v)<<2)
	case bool:
		if v {
			return appendXLong(append(dst, tagImmediate), refTrue)
		}
		return appendXLong(append(dst, tagImmediate), 0x02) // nil
	case string:
		s := encodeUTF16(v)
		dst = appendXLong(append(dst, tagString), int32(len(s)))
		return append(dst, s...)
	case []nsofFrame:
		dst = appendXLong(append(dst, tagPlainArray), int32(len(v)))
		for _, f := range v {
			dst = nsofAppend(dst, f)
		}
		return dst
	case nsofFrame:
		dst = appendXLong(append(dst, tagFrame), int32(len(v)))
		for _, slot := range v {
			dst = appendXLong(append(dst, tagSymbol), int32(len(slot.key)))
			dst = append(dst, slot.key...)
		}
		for _, slot := range v {
			dst = nsofAppend(dst, slot.value)
		}
		return dst
	}
	panic("nsof: unsupported value")
}

// appendXLong writes values 0..254 as one octet, anything else as 0xFF and
// four big-endian octets.
func appendXLong(dst []byte, v int32) []byte {
	if v >= 0 && v < 0xFF {
		return append(dst, byte(v))
	}
	return binary.BigEndian.AppendUint32(append(dst, 0xFF), uint32(v))
}
