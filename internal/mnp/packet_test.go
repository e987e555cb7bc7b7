package mnp

import (
	"bytes"
	"testing"
)

func TestEncodeLinkRequest(t *testing.T) {
	lr := NewFactory(Params{FramingMode: 2, MaxOutstanding: 1, MaxInfoLength: 256, DataPhaseOptions: 3}).LinkRequest()
	want := []byte{
		0x17, 0x01, 0x02,
		0x01, 0x06, 0x01, 0x00, 0x00, 0x00, 0x00, 0xFF,
		0x02, 0x01, 0x02,
		0x03, 0x01, 0x01,
		0x04, 0x02, 0x00, 0x01,
		0x08, 0x01, 0x03,
	}
	if got := Encode(lr); !bytes.Equal(got, want) {
		t.Fatalf("Encode(LR):\n got % X\nwant % X", got, want)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		pkt  Packet
	}{
		{"LR", &LinkRequest{FramingMode: 2, MaxOutstanding: 8, MaxInfoLength: 64, DataPhaseOptions: 3}},
		{"LD without user code", &LinkDisconnect{Reason: 0xFF}},
		{"LD with user code", &LinkDisconnect{Reason: 1, UserCode: 9, HasUser: true}},
		{"LT with data", &LinkTransfer{Seq: 42, Data: []byte("newtdockrtdk")}},
		{"LT empty", &LinkTransfer{Seq: 0}},
		{"LA", &LinkAck{Seq: 255, Credit: 8}},
		{"LA with data", &LinkAck{Seq: 3, Credit: 1, Data: []byte{0xAA}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := Decode(Encode(tc.pkt))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if decoded.Kind() != tc.pkt.Kind() {
				t.Fatalf("Kind mismatch: got %v, want %v", decoded.Kind(), tc.pkt.Kind())
			}
			if decoded.HeaderLength() == 0 {
				t.Errorf("decoded packet should carry its declared header length")
			}

			switch want := tc.pkt.(type) {
			case *LinkRequest:
				got := decoded.(*LinkRequest)
				if got.FramingMode != want.FramingMode || got.MaxOutstanding != want.MaxOutstanding ||
					got.MaxInfoLength != want.MaxInfoLength || got.DataPhaseOptions != want.DataPhaseOptions {
					t.Errorf("LR mismatch: got %+v, want %+v", got, want)
				}
			case *LinkDisconnect:
				got := decoded.(*LinkDisconnect)
				if got.Reason != want.Reason || got.HasUser != want.HasUser || got.UserCode != want.UserCode {
					t.Errorf("LD mismatch: got %+v, want %+v", got, want)
				}
			case *LinkTransfer:
				got := decoded.(*LinkTransfer)
				if got.Seq != want.Seq || !bytes.Equal(got.Data, want.Data) {
					t.Errorf("LT mismatch: got seq %d data %q, want seq %d data %q", got.Seq, got.Data, want.Seq, want.Data)
				}
			case *LinkAck:
				got := decoded.(*LinkAck)
				if got.Seq != want.Seq || got.Credit != want.Credit || !bytes.Equal(got.Data, want.Data) {
					t.Errorf("LA mismatch: got %+v, want %+v", got, want)
				}
			}
		})
	}
}

func TestDecodeVariants(t *testing.T) {
	t.Run("LR with unknown parameter", func(t *testing.T) {
		payload := []byte{
			0x0D, 0x01, 0x02,
			0x07, 0x02, 0xAB, 0xCD, // unknown, skipped
			0x04, 0x02, 0x40, 0x00,
			0x03, 0x01, 0x01,
		}
		pkt, err := Decode(payload)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		lr := pkt.(*LinkRequest)
		if lr.MaxInfoLength != 64 || lr.MaxOutstanding != 1 {
			t.Errorf("LR mismatch: got %+v", lr)
		}
	})

	t.Run("LT parameterized header", func(t *testing.T) {
		pkt, err := Decode([]byte{0x04, 0x04, 0x01, 0x01, 0x09, 'x'})
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		lt := pkt.(*LinkTransfer)
		if lt.Seq != 9 || string(lt.Data) != "x" {
			t.Errorf("LT mismatch: got seq %d data %q", lt.Seq, lt.Data)
		}
	})

	t.Run("LA parameterized header", func(t *testing.T) {
		pkt, err := Decode([]byte{0x07, 0x05, 0x01, 0x01, 0x05, 0x02, 0x01, 0x08})
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		la := pkt.(*LinkAck)
		if la.Seq != 5 || la.Credit != 8 {
			t.Errorf("LA mismatch: got %+v", la)
		}
	})

	t.Run("extended length", func(t *testing.T) {
		payload := []byte{0xFF, 0x00, 0x02, 0x04, 0x11, 'd', 'a', 't', 'a'}
		pkt, err := Decode(payload)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		lt := pkt.(*LinkTransfer)
		if lt.Seq != 0x11 || string(lt.Data) != "data" || lt.HeaderLength() != 2 {
			t.Errorf("LT mismatch: got seq %d data %q header %d", lt.Seq, lt.Data, lt.HeaderLength())
		}
	})
}

func TestDecodeMalformed(t *testing.T) {
	testCases := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"one octet", []byte{0x02}},
		{"header overruns packet", []byte{0x09, 0x04, 0x01}},
		{"unknown type", []byte{0x02, 0x09, 0x00}},
		{"LT without sequence", []byte{0x01, 0x04}},
		{"LD parameter overruns header", []byte{0x03, 0x02, 0x01, 0x05}},
		{"truncated extended length", []byte{0xFF, 0x00}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.payload); !IsFrameError(err) {
				t.Fatalf("got %v, want FrameError", err)
			}
		})
	}
}

func TestFactorySequenceWrap(t *testing.T) {
	f := NewFactory(DefaultParams())
	for i := 1; i <= 256; i++ {
		lt := f.Transfer(nil)
		if want := uint8(i % 256); lt.Seq != want {
			t.Fatalf("transfer %d: got seq %d, want %d", i, lt.Seq, want)
		}
	}
	if f.Sequence() != 0 {
		t.Errorf("after 256 transfers: got seq %d, want 0", f.Sequence())
	}
	if lt := f.Transfer(nil); lt.Seq != 1 {
		t.Errorf("after wrap: got seq %d, want 1", lt.Seq)
	}

	f.Reset()
	if lt := f.Transfer(nil); lt.Seq != 1 {
		t.Errorf("after Reset: got seq %d, want 1", lt.Seq)
	}
}

func TestFactoriesAreIndependent(t *testing.T) {
	a, b := NewFactory(DefaultParams()), NewFactory(DefaultParams())
	a.Transfer(nil)
	a.Transfer(nil)
	if lt := b.Transfer(nil); lt.Seq != 1 {
		t.Errorf("second factory: got seq %d, want 1", lt.Seq)
	}
}
