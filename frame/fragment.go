package frame

import "fmt"

// FragmentBodySize is the payload capacity of one text/APRS fragment.
const FragmentBodySize = 36

// Fragment is the header carried inside the 39-byte data field of a text or
// APRS frame, letting a message larger than one frame span several slots.
type Fragment struct {
	SeqID     byte
	Index     byte
	Count     byte
	Body      [FragmentBodySize]byte
}

// Encode packs the fragment into the DataSize-byte field a text/APRS frame
// carries after the tag byte.
func (f Fragment) Encode() [DataSize]byte {
	var out [DataSize]byte
	out[0] = f.SeqID
	out[1] = f.Index
	out[2] = f.Count
	copy(out[3:], f.Body[:])
	return out
}

// DecodeFragment unpacks a fragment header from a frame's data field.
func DecodeFragment(data []byte) (Fragment, error) {
	if len(data) != DataSize {
		return Fragment{}, fmt.Errorf("frame: decode fragment: %w", ErrWrongSize)
	}
	var f Fragment
	f.SeqID = data[0]
	f.Index = data[1]
	f.Count = data[2]
	copy(f.Body[:], data[3:])
	return f, nil
}
