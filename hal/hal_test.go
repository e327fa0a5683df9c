package hal

import "testing"

func TestBitModeString(t *testing.T) {
	tests := []struct {
		mode BitMode
		want string
	}{
		{BitModeReset, "reset"},
		{BitModeBitbang, "bitbang"},
		{BitModeMPSSE, "mpsse"},
		{BitModeSyncFIFO, "syncfifo"},
		{BitMode(0x10), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("BitMode(%#x).String() = %q, want %q", uint8(tt.mode), got, tt.want)
		}
	}
}

func TestTransferData(t *testing.T) {
	tr := &Transfer{Buffer: make([]byte, 16), Actual: 5}
	if got := len(tr.Data()); got != 5 {
		t.Errorf("len(Data()) = %d, want 5", got)
	}
}
