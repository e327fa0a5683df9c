package pkg

import (
	"errors"
	"testing"
)

func TestTransferStatus_String(t *testing.T) {
	tests := []struct {
		status TransferStatus
		want   string
	}{
		{TransferStatusCompleted, "completed"},
		{TransferStatusError, "error"},
		{TransferStatusTimeout, "timeout"},
		{TransferStatusCancelled, "cancelled"},
		{TransferStatusStall, "stall"},
		{TransferStatusNoDevice, "no_device"},
		{TransferStatusOverflow, "overflow"},
		{TransferStatus(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("TransferStatus.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransferStatus_Error(t *testing.T) {
	tests := []struct {
		status  TransferStatus
		wantErr error
	}{
		{TransferStatusCompleted, nil},
		{TransferStatusTimeout, ErrTimeout},
		{TransferStatusCancelled, ErrCancelled},
		{TransferStatusStall, ErrStall},
		{TransferStatusNoDevice, ErrNoDevice},
		{TransferStatusOverflow, ErrOverflow},
		{TransferStatusError, ErrTransfer},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := tt.status.Error()
			if tt.wantErr == nil && err != nil {
				t.Errorf("TransferStatus.Error() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("TransferStatus.Error() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTransferStatus_HasData(t *testing.T) {
	for s := TransferStatusCompleted; s <= TransferStatusOverflow; s++ {
		want := s == TransferStatusCompleted || s == TransferStatusTimeout
		if got := s.HasData(); got != want {
			t.Errorf("%v.HasData() = %v, want %v", s, got, want)
		}
	}
}
